// Package config provides the configuration schema and loader for the Tandem
// practice client.
package config

// LogLevel controls log verbosity for the Tandem client.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Modality selects the agent's response channel.
type Modality string

const (
	// ModalityAudio makes the agent respond with synthesised speech.
	ModalityAudio Modality = "audio"

	// ModalityText makes the agent respond with text only.
	ModalityText Modality = "text"
)

// IsValid reports whether m is a recognised modality.
func (m Modality) IsValid() bool {
	return m == ModalityAudio || m == ModalityText
}

// Config is the root configuration structure for Tandem.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	Translate TranslateConfig `yaml:"translate"`
	Audio     AudioConfig     `yaml:"audio"`
	Languages LanguagesConfig `yaml:"languages"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AgentConfig points at the live conversation agent.
type AgentConfig struct {
	// URL is the WebSocket endpoint of the conversation agent (ws:// or wss://).
	URL string `yaml:"url"`

	// Modality selects the agent's response channel. Defaults to audio.
	Modality Modality `yaml:"modality"`
}

// TranslateConfig points at the instructions-localization service.
type TranslateConfig struct {
	// URL is the HTTP base URL of the localization service.
	URL string `yaml:"url"`

	// TimeoutSeconds bounds each localization round trip. Zero means no
	// timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// AudioConfig selects the subprocess commands used for audio I/O.
type AudioConfig struct {
	// CaptureCommand records s16le mono PCM to stdout. When empty the
	// capture pipeline's default arecord invocation is used.
	CaptureCommand string `yaml:"capture_command"`

	// PlaybackCommand plays s16le mono PCM from stdin. When empty the
	// playback engine's default aplay invocation is used.
	PlaybackCommand string `yaml:"playback_command"`
}

// LanguagesConfig names the learner's language pair.
type LanguagesConfig struct {
	// Practice is the language being learned (BCP 47 tag, e.g. "fr-FR").
	Practice string `yaml:"practice"`

	// Native is the learner's own language (BCP 47 tag, e.g. "en-US").
	Native string `yaml:"native"`
}

// ArchiveConfig enables transcript persistence.
type ArchiveConfig struct {
	// PostgresDSN is the connection string of the archive database. When
	// empty, finished sessions are discarded instead of archived.
	PostgresDSN string `yaml:"postgres_dsn"`
}
