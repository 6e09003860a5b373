package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Model    ModelConfig   `mapstructure:"model"`
	Audio    AudioConfig   `mapstructure:"audio"`
	Server   ServerConfig  `mapstructure:"server"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	Checkpoint   string `mapstructure:"checkpoint"`
	ONNXManifest string `mapstructure:"onnx_manifest"`
}

type RuntimeConfig struct {
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
	ORTAPIVersion  uint32 `mapstructure:"ort_api_version"`
	Workers        int    `mapstructure:"workers"`
}

type ModelConfig struct {
	Hidden         int     `mapstructure:"hidden"`
	NumSpeakers    int     `mapstructure:"num_speakers"`
	SpeakerDim     int     `mapstructure:"speaker_dim"`
	PitchBins      int     `mapstructure:"pitch_bins"`
	PitchFMin      float64 `mapstructure:"pitch_fmin"`
	PitchFMax      float64 `mapstructure:"pitch_fmax"`
	SegmentBase    int     `mapstructure:"segment_base"`
	SegmentWindow  int     `mapstructure:"segment_window"`
	DiffusionSteps int     `mapstructure:"diffusion_steps"`
	FrameTolerance int     `mapstructure:"frame_tolerance"`
	PitchSmoothing int     `mapstructure:"pitch_smoothing"`
}

type AudioConfig struct {
	SampleRate     int     `mapstructure:"sample_rate"`
	NFFT           int     `mapstructure:"n_fft"`
	Hop            int     `mapstructure:"hop"`
	Win            int     `mapstructure:"win"`
	NumMels        int     `mapstructure:"num_mels"`
	FMin           float64 `mapstructure:"fmin"`
	FMax           float64 `mapstructure:"fmax"`
	TableCacheSize int     `mapstructure:"table_cache_size"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	MaxTokens       int    `mapstructure:"max_tokens"`
	MaxFrames       int    `mapstructure:"max_frames"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	// EnvFile is read before the environment is consulted; empty means
	// ".env" in the working directory. A missing file is not an error.
	EnvFile  string
	Defaults Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			Checkpoint:   "models/ns2.safetensors",
			ONNXManifest: "models/onnx/manifest.json",
		},
		Runtime: RuntimeConfig{
			ORTAPIVersion: 23,
			Workers:       4,
		},
		Model: ModelConfig{
			Hidden:         512,
			SpeakerDim:     512,
			PitchBins:      256,
			PitchFMin:      50,
			PitchFMax:      1100,
			SegmentBase:    48,
			SegmentWindow:  16,
			DiffusionSteps: 150,
			FrameTolerance: 4,
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			NFFT:           1024,
			Hop:            320,
			Win:            1024,
			NumMels:        80,
			FMin:           0,
			FMax:           8000,
			TableCacheSize: 8,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         2,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
			MaxTokens:       1024,
			MaxFrames:       4096,
			MaxBodyBytes:    64 << 20,
		},
		LogLevel: "info",
	}
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"paths-checkpoint":         "paths.checkpoint",
	"paths-onnx-manifest":      "paths.onnx_manifest",
	"runtime-ort-library-path": "runtime.ort_library_path",
	"ort-lib":                  "runtime.ort_library_path",
	"runtime-ort-version":      "runtime.ort_version",
	"runtime-ort-api-version":  "runtime.ort_api_version",
	"runtime-workers":          "runtime.workers",
	"model-hidden":             "model.hidden",
	"model-num-speakers":       "model.num_speakers",
	"model-speaker-dim":        "model.speaker_dim",
	"model-pitch-bins":         "model.pitch_bins",
	"model-segment-base":       "model.segment_base",
	"model-segment-window":     "model.segment_window",
	"model-diffusion-steps":    "model.diffusion_steps",
	"model-frame-tolerance":    "model.frame_tolerance",
	"model-pitch-smoothing":    "model.pitch_smoothing",
	"audio-sample-rate":        "audio.sample_rate",
	"audio-hop":                "audio.hop",
	"audio-num-mels":           "audio.num_mels",
	"server-listen-addr":       "server.listen_addr",
	"server-workers":           "server.workers",
	"server-request-timeout":   "server.request_timeout",
	"server-max-tokens":        "server.max_tokens",
	"server-max-frames":        "server.max_frames",
	"server-max-body-bytes":    "server.max_body_bytes",
	"log-level":                "log_level",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-checkpoint", defaults.Paths.Checkpoint, "Path to the .safetensors checkpoint with pitch/speaker tables")
	fs.String("paths-onnx-manifest", defaults.Paths.ONNXManifest, "Path to the ONNX graph manifest")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.Uint32("runtime-ort-api-version", defaults.Runtime.ORTAPIVersion, "ONNX Runtime C API version")
	fs.Int("runtime-workers", defaults.Runtime.Workers, "Worker goroutines for tensor kernels and alignment search")
	fs.Int("model-hidden", defaults.Model.Hidden, "Channel count of phoneme and prompt encodings")
	fs.Int("model-num-speakers", defaults.Model.NumSpeakers, "Number of speakers (0 for single-speaker)")
	fs.Int("model-speaker-dim", defaults.Model.SpeakerDim, "Speaker embedding width")
	fs.Int("model-pitch-bins", defaults.Model.PitchBins, "Coarse pitch bins")
	fs.Int("model-segment-base", defaults.Model.SegmentBase, "Base prompt segment size in frames")
	fs.Int("model-segment-window", defaults.Model.SegmentWindow, "Random window around the prompt segment size")
	fs.Int("model-diffusion-steps", defaults.Model.DiffusionSteps, "Reverse diffusion steps at inference")
	fs.Int("model-frame-tolerance", defaults.Model.FrameTolerance, "Allowed latent/mel frame count difference")
	fs.Int("model-pitch-smoothing", defaults.Model.PitchSmoothing, "Median filter window for predicted pitch (0 disables)")
	fs.Int("audio-sample-rate", defaults.Audio.SampleRate, "Codec sample rate in Hz")
	fs.Int("audio-hop", defaults.Audio.Hop, "Samples per latent frame")
	fs.Int("audio-num-mels", defaults.Audio.NumMels, "Mel bands")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Concurrent synthesis requests")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.Int("server-max-tokens", defaults.Server.MaxTokens, "Maximum tokens per request")
	fs.Int("server-max-frames", defaults.Server.MaxFrames, "Maximum frames per alignment request")
	fs.Int64("server-max-body-bytes", defaults.Server.MaxBodyBytes, "Maximum request body size in bytes")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read env file: %w", err)
	}

	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("NS2")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := v.BindEnv("runtime.ort_library_path", "NS2_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}

	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("ns2")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// bindFlags binds only flags the user set, so an unset alias never shadows
// the canonical flag, env or config file.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error

	flags.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}

		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = fmt.Errorf("bind flag %q: %w", f.Name, bindErr)
		}
	})

	return err
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.checkpoint", c.Paths.Checkpoint)
	v.SetDefault("paths.onnx_manifest", c.Paths.ONNXManifest)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("runtime.ort_api_version", c.Runtime.ORTAPIVersion)
	v.SetDefault("runtime.workers", c.Runtime.Workers)
	v.SetDefault("model.hidden", c.Model.Hidden)
	v.SetDefault("model.num_speakers", c.Model.NumSpeakers)
	v.SetDefault("model.speaker_dim", c.Model.SpeakerDim)
	v.SetDefault("model.pitch_bins", c.Model.PitchBins)
	v.SetDefault("model.pitch_fmin", c.Model.PitchFMin)
	v.SetDefault("model.pitch_fmax", c.Model.PitchFMax)
	v.SetDefault("model.segment_base", c.Model.SegmentBase)
	v.SetDefault("model.segment_window", c.Model.SegmentWindow)
	v.SetDefault("model.diffusion_steps", c.Model.DiffusionSteps)
	v.SetDefault("model.frame_tolerance", c.Model.FrameTolerance)
	v.SetDefault("model.pitch_smoothing", c.Model.PitchSmoothing)
	v.SetDefault("audio.sample_rate", c.Audio.SampleRate)
	v.SetDefault("audio.n_fft", c.Audio.NFFT)
	v.SetDefault("audio.hop", c.Audio.Hop)
	v.SetDefault("audio.win", c.Audio.Win)
	v.SetDefault("audio.num_mels", c.Audio.NumMels)
	v.SetDefault("audio.fmin", c.Audio.FMin)
	v.SetDefault("audio.fmax", c.Audio.FMax)
	v.SetDefault("audio.table_cache_size", c.Audio.TableCacheSize)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_tokens", c.Server.MaxTokens)
	v.SetDefault("server.max_frames", c.Server.MaxFrames)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
	v.SetDefault("log_level", c.LogLevel)
}
