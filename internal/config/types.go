package config

type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Queues    []QueueConfig   `json:"queues,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Flush     FlushConfig     `json:"flush"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
}

type SchedulerConfig struct {
	Concurrency        int    `json:"concurrency"`
	DefaultQueue       string `json:"default_queue,omitempty"`
	HistorySize        int    `json:"history_size,omitempty"`
	RestoreConcurrency bool   `json:"restore_concurrency,omitempty"`
	// DrainTimeout bounds the shutdown drain. "0" skips draining.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

type QueueConfig struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type StorageConfig struct {
	Driver      string      `json:"driver,omitempty"`
	Prefix      string      `json:"prefix,omitempty"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	DB          int    `json:"db,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

type FlushConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	// OnShutdown defaults to true when omitted.
	OnShutdown *bool `json:"on_shutdown,omitempty"`
}

func (f FlushConfig) FlushOnShutdown() bool {
	return f.OnShutdown == nil || *f.OnShutdown
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token enables bearer auth on every endpoint except /healthz.
	Token string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback Addr without a Token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
	Pprof         bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}
