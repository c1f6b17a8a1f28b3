package config

import (
	"os"
	"path/filepath"
	"time"
)

// Settings is every tunable of the service, read from the environment.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAITranscribeModel string
	OpenAIChatModel       string
	ScenePrompts          bool

	VideoAPIKey           string
	VideoBaseURL          string
	VideoGeneratePath     string
	VideoStatusPath       string
	VideoStatusQueryParam string
	VideoModel            string
	VideoRoutes           string
	AdModel               string
	ResolutionHigh        string
	ResolutionMedium      string
	ClipCeilingSeconds    int
	MaxDurationSeconds    int

	ProviderHTTPTimeout time.Duration
	RetryBaseDelay      time.Duration
	RetryMultiplier     float64
	RetryMaxDelay       time.Duration
	RetryMaxAttempts    int

	PollInterval       time.Duration
	MaxPollWait        time.Duration
	SegmentConcurrency int

	FFmpegPath        string
	ScratchDir        string
	StitchOutputDir   string
	DownloadTimeout   time.Duration
	StitchTimeout     time.Duration
	TranscribeTimeout time.Duration

	// RateLimit of zero or less turns the per-caller limiter off.
	RateLimit  int
	RateWindow time.Duration

	PlaylistDB  string
	DatabaseURL string

	ProgressTick             time.Duration
	ProgressLinger           time.Duration
	ExpectedClip             time.Duration
	ExpectedTranscribe       time.Duration
	ExpectedStitchBase       time.Duration
	ExpectedStitchPerSegment time.Duration
	DeferCompletion          bool
	ResultRetention          time.Duration
}

// defaultVideoRoutes sends Veo jobs to the unified video endpoint.
const defaultVideoRoutes = `{"google/veo-3.1-t2v":{"generate_path":"/video/generations","status_path":"/video/generations/{id}","cost_per_second":0.788,"audio":true}}`

// FromEnv reads Settings, applying defaults for anything unset or malformed.
func FromEnv() Settings {
	const aimlPath = "/generate/video/alibaba/generation"
	return Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         GetEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAITranscribeModel: GetEnv("OPENAI_TRANSCRIBE_MODEL", "whisper-1"),
		OpenAIChatModel:       GetEnv("OPENAI_CHAT_MODEL", "gpt-4"),
		ScenePrompts:          GetEnvBool("SCENE_PROMPTS", true),

		VideoAPIKey:           os.Getenv("AIMLAPI_API_KEY"),
		VideoBaseURL:          GetEnv("AIMLAPI_BASE_URL", "https://api.aimlapi.com/v2"),
		VideoGeneratePath:     GetEnv("AIMLAPI_GENERATE_PATH", aimlPath),
		VideoStatusPath:       GetEnv("AIMLAPI_STATUS_PATH", aimlPath),
		VideoStatusQueryParam: GetEnv("AIMLAPI_STATUS_QUERY_PARAM", "generation_id"),
		VideoModel:            GetEnv("VIDEO_MODEL", "alibaba/wan2.1-t2v-turbo"),
		VideoRoutes:           GetEnv("VIDEO_ROUTES", defaultVideoRoutes),
		AdModel:               GetEnv("AD_MODEL", "google/veo-3.1-t2v"),
		ResolutionHigh:        GetEnv("DEFAULT_RES_HIGH", "1080p"),
		ResolutionMedium:      GetEnv("DEFAULT_RES_MEDIUM", "720p"),
		ClipCeilingSeconds:    GetEnvInt("DEFAULT_CLIP_SECONDS", 10),
		MaxDurationSeconds:    GetEnvInt("MAX_DURATION", 300),

		ProviderHTTPTimeout: GetEnvDuration("PROVIDER_HTTP_TIMEOUT", 45*time.Second),
		RetryBaseDelay:      GetEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMultiplier:     GetEnvFloat("RETRY_MULTIPLIER", 2),
		RetryMaxDelay:       GetEnvDuration("RETRY_MAX_DELAY", 8*time.Second),
		RetryMaxAttempts:    GetEnvInt("RETRY_MAX_ATTEMPTS", 3),

		PollInterval:       GetEnvDuration("POLL_INTERVAL", 3*time.Second),
		MaxPollWait:        GetEnvDuration("MAX_POLL_WAIT", 5*time.Minute),
		SegmentConcurrency: GetEnvInt("SEGMENT_CONCURRENCY", 2),

		FFmpegPath:        GetEnv("FFMPEG_PATH", "ffmpeg"),
		ScratchDir:        os.Getenv("STITCH_SCRATCH_DIR"),
		StitchOutputDir:   GetEnv("STITCH_OUTPUT_DIR", filepath.Join("clips", "stitched")),
		DownloadTimeout:   GetEnvDuration("DOWNLOAD_TIMEOUT", 120*time.Second),
		StitchTimeout:     GetEnvDuration("STITCH_TIMEOUT", 5*time.Minute),
		TranscribeTimeout: GetEnvDuration("TRANSCRIBE_TIMEOUT", 2*time.Minute),

		RateLimit:  GetEnvInt("RATE_LIMIT", 10),
		RateWindow: GetEnvDuration("RATE_WINDOW", time.Minute),

		PlaylistDB:  GetEnv("PLAYLIST_DB", filepath.Join("clips", "playlist.db")),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		ProgressTick:             GetEnvDuration("PROGRESS_TICK", 100*time.Millisecond),
		ProgressLinger:           GetEnvDuration("PROGRESS_LINGER", 1500*time.Millisecond),
		ExpectedClip:             GetEnvDuration("EXPECTED_CLIP", 45*time.Second),
		ExpectedTranscribe:       GetEnvDuration("EXPECTED_TRANSCRIBE", 8*time.Second),
		ExpectedStitchBase:       GetEnvDuration("EXPECTED_STITCH_BASE", 5*time.Second),
		ExpectedStitchPerSegment: GetEnvDuration("EXPECTED_STITCH_PER_SEGMENT", 6*time.Second),
		DeferCompletion:          GetEnvBool("DEFER_COMPLETION", true),
		ResultRetention:          GetEnvDuration("RESULT_RETENTION", 30*time.Minute),
	}
}
