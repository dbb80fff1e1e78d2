package model

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Accounts AccountsConfig `yaml:"accounts"`
	Retry    RetryConfig    `yaml:"retry"`
	Checker  CheckerConfig  `yaml:"checker"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Redis    RedisConfig    `yaml:"redis"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Created string `yaml:"created"`
}

type ProxyConfig struct {
	// Consecutive failures before a proxy is marked dead.
	FailureThreshold int `yaml:"failure_threshold"`
	// Minimum seconds before a used proxy is eligible for selection again.
	MinReuseDelaySec int `yaml:"min_reuse_delay_sec"`
	// Cooling-down window applied on rate-limit signals.
	CooldownSec int `yaml:"cooldown_sec"`
}

type AccountsConfig struct {
	EmailDomain    string   `yaml:"email_domain"`
	PasswordLength int      `yaml:"password_length"`
	Platforms      []string `yaml:"platforms"`
}

type RetryConfig struct {
	// Maximum attempts per task before it is terminally failed.
	Limit int `yaml:"limit"`
}

type CheckerConfig struct {
	TestURLs       []string `yaml:"test_urls"`
	TimeoutSec     int      `yaml:"timeout_sec"`
	Concurrency    int      `yaml:"concurrency"`
	RequestsPerSec int      `yaml:"requests_per_sec"`
}

type WatcherConfig struct {
	ScanIntervalSec int `yaml:"scan_interval_sec"`
	// Tasks stuck in running longer than this are failed-and-retried
	// by the reconciliation sweep.
	RunningTimeoutMin int `yaml:"running_timeout_min"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills documented defaults for zero values so a sparse
// config.yaml still yields a working setup.
func (c *Config) ApplyDefaults() {
	if c.Proxy.FailureThreshold <= 0 {
		c.Proxy.FailureThreshold = 3
	}
	if c.Proxy.MinReuseDelaySec <= 0 {
		c.Proxy.MinReuseDelaySec = 300
	}
	if c.Proxy.CooldownSec <= 0 {
		c.Proxy.CooldownSec = 900
	}
	if c.Accounts.EmailDomain == "" {
		c.Accounts.EmailDomain = "example.com"
	}
	if c.Accounts.PasswordLength <= 0 {
		c.Accounts.PasswordLength = 16
	}
	if len(c.Accounts.Platforms) == 0 {
		c.Accounts.Platforms = []string{"twitter", "telegram", "discord"}
	}
	if c.Retry.Limit <= 0 {
		c.Retry.Limit = 2
	}
	if c.Checker.TimeoutSec <= 0 {
		c.Checker.TimeoutSec = 10
	}
	if c.Checker.Concurrency <= 0 {
		c.Checker.Concurrency = 10
	}
	if c.Checker.RequestsPerSec <= 0 {
		c.Checker.RequestsPerSec = 5
	}
	if len(c.Checker.TestURLs) == 0 {
		c.Checker.TestURLs = []string{
			"https://www.google.com",
			"https://www.cloudflare.com",
			"https://www.wikipedia.org",
		}
	}
	if c.Watcher.ScanIntervalSec <= 0 {
		c.Watcher.ScanIntervalSec = 30
	}
	if c.Watcher.RunningTimeoutMin <= 0 {
		c.Watcher.RunningTimeoutMin = 15
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
