package domain

type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)

// MediaConstraints selects which capture sources to open.
type MediaConstraints struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// LocalMediaState is the session's local capture state.
type LocalMediaState struct {
	HasAudio     bool   `json:"has_audio"`
	HasVideo     bool   `json:"has_video"`
	AudioEnabled bool   `json:"audio_enabled"`
	VideoEnabled bool   `json:"video_enabled"`
	ScreenActive bool   `json:"screen_active"`
	Degraded     bool   `json:"degraded"`
	Error        string `json:"error,omitempty"`
}
