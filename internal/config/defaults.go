package config

const (
	defaultDataDir                = "~/.local/share/feedloom"
	defaultLogDir                 = "~/.local/share/feedloom/logs"
	defaultRulesDir               = "~/.local/share/feedloom/rules"
	defaultDownloadDir            = "~/.local/share/feedloom/downloads"
	defaultLibraryDir             = "~/library"
	defaultSocketName             = "feedloom.sock"
	defaultAPIBind                = "127.0.0.1:7488"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultFetchWorkers           = 1
	defaultFetchQueueSize         = 64
	defaultFetchMaxAttempts       = 3
	defaultFetchTimeoutSeconds    = 30
	defaultFetchHostRate          = 1.0
	defaultFetchHostBurst         = 2
	defaultFetchUserAgent         = "feedloom/0.1"
	defaultValidateTimeoutMillis  = 1000
	defaultDescribeTimeoutMillis  = 2000
	defaultSandboxMaxVMs          = 8
	defaultBackend                = "aria2"
	defaultRetryIntervalSeconds   = 5
	defaultAria2URL               = "ws://127.0.0.1:6800/jsonrpc"
	defaultAria2ReconnectSeconds  = 5
	defaultAria2RequestTimeout    = 10
	defaultSwarmListenPort        = 42069
	defaultSwarmMetainfoTimeout   = 120
	defaultSeriesDir              = "series"
	defaultUnsortedDir            = "unsorted"
	defaultNotifyRequestTimeout   = 10
	defaultNotifyCompleted        = true
	defaultNotifyFailed           = true
	defaultNotifyFetchErrors      = false
	defaultMediaMIMEVideoPrefix   = "video/"
	defaultMediaMIMEAudioPrefix   = "audio/"
	defaultMediaMIMEMatroskaExact = "application/x-matroska"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			RulesDir:    defaultRulesDir,
			DownloadDir: defaultDownloadDir,
			LibraryDir:  defaultLibraryDir,
			APIBind:     defaultAPIBind,
		},
		Fetch: Fetch{
			Workers:        defaultFetchWorkers,
			QueueSize:      defaultFetchQueueSize,
			MaxAttempts:    defaultFetchMaxAttempts,
			TimeoutSeconds: defaultFetchTimeoutSeconds,
			HostRate:       defaultFetchHostRate,
			HostBurst:      defaultFetchHostBurst,
			UserAgent:      defaultFetchUserAgent,
		},
		Sandbox: Sandbox{
			ValidateTimeoutMillis: defaultValidateTimeoutMillis,
			DescribeTimeoutMillis: defaultDescribeTimeoutMillis,
			MaxVMs:                defaultSandboxMaxVMs,
		},
		Downloader: Downloader{
			Backend:              defaultBackend,
			RetryIntervalSeconds: defaultRetryIntervalSeconds,
			MediaMIMEPrefixes: []string{
				defaultMediaMIMEVideoPrefix,
				defaultMediaMIMEAudioPrefix,
				defaultMediaMIMEMatroskaExact,
			},
		},
		Aria2: Aria2{
			URL:                      defaultAria2URL,
			ReconnectIntervalSeconds: defaultAria2ReconnectSeconds,
			RequestTimeoutSeconds:    defaultAria2RequestTimeout,
		},
		Swarm: Swarm{
			ListenPort:             defaultSwarmListenPort,
			MetainfoTimeoutSeconds: defaultSwarmMetainfoTimeout,
		},
		Library: Library{
			SeriesDir:   defaultSeriesDir,
			UnsortedDir: defaultUnsortedDir,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Completed:      defaultNotifyCompleted,
			Failed:         defaultNotifyFailed,
			FetchErrors:    defaultNotifyFetchErrors,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
