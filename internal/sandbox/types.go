package sandbox

// File describes one downloaded file passed to describe.
type File struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// DescribeContext carries the download the file belongs to.
type DescribeContext struct {
	ItemID   int64    `json:"itemId"`
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	SaveDir  string   `json:"saveDir,omitempty"`
	SourceID int64    `json:"sourceId,omitempty"`
	RuleID   int64    `json:"ruleId,omitempty"`
	Files    []string `json:"files"`
}

// MediaHint overrides how the ingested media record is named.
type MediaHint struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Descriptor is the classification a describe hook returns for one file.
type Descriptor struct {
	Media            *MediaHint `json:"media,omitempty"`
	Episode          *float64   `json:"episode,omitempty"`
	Series           string     `json:"series,omitempty"`
	SavePath         string     `json:"savePath,omitempty"`
	OverwriteEpisode bool       `json:"overwriteEpisode,omitempty"`
}

// HasEpisode reports whether the descriptor asks for a series episode upsert.
func (d *Descriptor) HasEpisode() bool {
	return d != nil && d.Series != "" && d.Episode != nil
}

// Info summarizes a compiled rule module.
type Info struct {
	HasValidate bool
	HasDescribe bool
	Meta        map[string]any
}

