package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

// #region default-tests
func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.AssistantActionLimit != 1 || cfg.HumanFollowUpCount != 1 {
		t.Errorf("expected 1/1 turn limits, got %d/%d", cfg.AssistantActionLimit, cfg.HumanFollowUpCount)
	}
	if cfg.TurnInterval != time.Second {
		t.Errorf("expected 1s interval, got %v", cfg.TurnInterval)
	}
	if cfg.ActionDelayMin != 300*time.Millisecond || cfg.ActionDelayMax != 900*time.Millisecond {
		t.Errorf("unexpected action delay range [%v, %v]", cfg.ActionDelayMin, cfg.ActionDelayMax)
	}
	if cfg.NoiseProbability != 0.25 || cfg.NoiseTopK != 3 {
		t.Errorf("unexpected noise settings %v/%d", cfg.NoiseProbability, cfg.NoiseTopK)
	}
	if cfg.AckTimeout != 2*time.Second {
		t.Errorf("expected 2s ack timeout, got %v", cfg.AckTimeout)
	}
	if cfg.CommentMarker != "#" || cfg.CloseOnStop {
		t.Errorf("unexpected marker/closeOnStop %q/%v", cfg.CommentMarker, cfg.CloseOnStop)
	}
}

// #endregion default-tests

// #region normalize-tests
func TestNormalize_FollowUpDefaults(t *testing.T) {
	cases := []struct {
		name     string
		raw      Raw
		expected int
	}{
		{"absent paired", Raw{AssistantActionLimit: ptr(3)}, 1},
		{"zero paired", Raw{AssistantActionLimit: ptr(3), HumanFollowUpCount: ptr(0)}, 1},
		{"explicit paired", Raw{AssistantActionLimit: ptr(3), HumanFollowUpCount: ptr(4)}, 4},
		{"absent free-running", Raw{AssistantActionLimit: ptr(0)}, 0},
		{"negative free-running", Raw{AssistantActionLimit: ptr(0), HumanFollowUpCount: ptr(-2)}, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Normalize(c.raw).HumanFollowUpCount; got != c.expected {
				t.Errorf("expected %d follow-ups, got %d", c.expected, got)
			}
		})
	}
}

func TestNormalize_RangesNeverInverted(t *testing.T) {
	cases := []Raw{
		{ActionDelayMinMs: ptr(int64(500)), ActionDelayMaxMs: ptr(int64(100))},
		{ActionDelayMinMs: ptr(int64(-50)), ActionDelayMaxMs: ptr(int64(-100))},
		{TypingDelayMinMs: ptr(int64(90)), TypingDelayMaxMs: ptr(int64(10))},
		{TypingDelayMinMs: ptr(int64(0)), TypingDelayMaxMs: ptr(int64(-1))},
	}
	for i, raw := range cases {
		cfg := Normalize(raw)
		if cfg.ActionDelayMax < cfg.ActionDelayMin {
			t.Errorf("case %d: action delay max %v < min %v", i, cfg.ActionDelayMax, cfg.ActionDelayMin)
		}
		if cfg.TypingDelayMax < cfg.TypingDelayMin {
			t.Errorf("case %d: typing delay max %v < min %v", i, cfg.TypingDelayMax, cfg.TypingDelayMin)
		}
		if cfg.ActionDelayMin < 0 || cfg.TypingDelayMin < 0 {
			t.Errorf("case %d: negative minimum survived", i)
		}
	}

	cfg := Normalize(Raw{ActionDelayMinMs: ptr(int64(500)), ActionDelayMaxMs: ptr(int64(100))})
	if cfg.ActionDelayMax != 500*time.Millisecond {
		t.Errorf("expected inverted max to fall back to min, got %v", cfg.ActionDelayMax)
	}
}

func TestNormalize_Clamping(t *testing.T) {
	cfg := Normalize(Raw{
		AssistantActionLimit: ptr(-4),
		TurnIntervalMs:       ptr(int64(-10)),
		PostActionPauseMs:    ptr(int64(-1)),
		NoiseProbability:     ptr(1.7),
		NoiseTopK:            ptr(12),
		Temperature:          ptr(-0.5),
		Epsilon:              ptr(math.NaN()),
		DurationCapMs:        ptr(int64(-1)),
		MaxActions:           ptr(-3),
		AckTimeoutMs:         ptr(int64(0)),
		CommentMarker:        ptr(""),
	})
	if cfg.AssistantActionLimit != 0 || cfg.TurnInterval != 0 || cfg.PostActionPause != 0 {
		t.Errorf("expected negatives floored to 0, got %+v", cfg)
	}
	if cfg.NoiseProbability != 1 || cfg.NoiseTopK != MaxNoiseTopK {
		t.Errorf("expected noise clamped to 1/%d, got %v/%d", MaxNoiseTopK, cfg.NoiseProbability, cfg.NoiseTopK)
	}
	if cfg.Temperature != 0 || cfg.Epsilon != 0 {
		t.Errorf("expected temperature/epsilon 0, got %v/%v", cfg.Temperature, cfg.Epsilon)
	}
	if cfg.DurationCap != 0 || cfg.MaxActions != 0 {
		t.Errorf("expected caps floored to 0, got %v/%d", cfg.DurationCap, cfg.MaxActions)
	}
	if cfg.AckTimeout != 2*time.Second || cfg.CommentMarker != "#" {
		t.Errorf("expected ack/marker defaults, got %v/%q", cfg.AckTimeout, cfg.CommentMarker)
	}

	if got := Normalize(Raw{NoiseTopK: ptr(0)}).NoiseTopK; got != 1 {
		t.Errorf("expected top-k floored to 1, got %d", got)
	}
}

func TestNormalize_AckTimeoutCeiling(t *testing.T) {
	tests := []struct {
		ms   int64
		want time.Duration
	}{
		{60000, 2 * time.Second},
		{2001, 2 * time.Second},
		{2000, 2 * time.Second},
		{500, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Normalize(Raw{AckTimeoutMs: ptr(tt.ms)}).AckTimeout; got != tt.want {
			t.Errorf("ack_timeout_ms=%d: expected %v, got %v", tt.ms, tt.want, got)
		}
	}

	t.Setenv("PAIRSIM_ACK_TIMEOUT_MS", "30000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AckTimeout != 2*time.Second {
		t.Errorf("expected env override capped at 2s, got %v", cfg.AckTimeout)
	}
}

func TestClamp_KeepsExplicitFollowUps(t *testing.T) {
	cfg := Simulation{AssistantActionLimit: 2, HumanFollowUpCount: 0}.Clamp()
	if cfg.HumanFollowUpCount != 0 {
		t.Errorf("Clamp must not apply the follow-up default, got %d", cfg.HumanFollowUpCount)
	}
}

func TestRaw_RoundTrip(t *testing.T) {
	cfg := Normalize(Raw{AssistantActionLimit: ptr(3), NoiseProbability: ptr(0.5), CloseOnStop: ptr(true)})
	if got := Normalize(cfg.Raw()); got != cfg {
		t.Errorf("expected %+v, got %+v", cfg, got)
	}
}

// #endregion normalize-tests

// #region merge-tests
func TestMerge(t *testing.T) {
	base := Raw{AssistantActionLimit: ptr(2), NoiseTopK: ptr(4)}
	merged := base.Merge(Raw{NoiseTopK: ptr(5), Epsilon: ptr(0.1)})
	if *merged.AssistantActionLimit != 2 || *merged.NoiseTopK != 5 || *merged.Epsilon != 0.1 {
		t.Errorf("unexpected merge result %+v", merged)
	}
	if *base.NoiseTopK != 4 {
		t.Error("Merge must not modify the receiver's values")
	}
}

// #endregion merge-tests

// #region env-tests
func TestFromEnv(t *testing.T) {
	t.Setenv("PAIRSIM_ASSISTANT_ACTIONS", "3")
	t.Setenv("PAIRSIM_HUMAN_FOLLOW_UPS", "2")
	t.Setenv("PAIRSIM_TURN_INTERVAL_MS", "50")
	t.Setenv("PAIRSIM_NOISE_PROB", "0.5")
	t.Setenv("PAIRSIM_CLOSE_ON_STOP", "true")
	t.Setenv("PAIRSIM_COMMENT_MARKER", "//")
	t.Setenv("PAIRSIM_NOISE_TOP_K", "not-a-number")

	cfg := FromEnv()
	if cfg.AssistantActionLimit != 3 || cfg.HumanFollowUpCount != 2 {
		t.Errorf("unexpected limits %d/%d", cfg.AssistantActionLimit, cfg.HumanFollowUpCount)
	}
	if cfg.TurnInterval != 50*time.Millisecond {
		t.Errorf("expected 50ms interval, got %v", cfg.TurnInterval)
	}
	if cfg.NoiseProbability != 0.5 || !cfg.CloseOnStop || cfg.CommentMarker != "//" {
		t.Errorf("unexpected env overlay %+v", cfg)
	}
	if cfg.NoiseTopK != 3 {
		t.Errorf("expected invalid top-k to be ignored, got %d", cfg.NoiseTopK)
	}
}

// #endregion env-tests

// #region file-tests
func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairsim.yaml")
	data := "assistant_action_limit: 4\nhuman_follow_up_count: 2\nnoise_probability: 0.1\ntyping_delay_min_ms: 5\ntyping_delay_max_ms: 15\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PAIRSIM_HUMAN_FOLLOW_UPS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AssistantActionLimit != 4 || cfg.NoiseProbability != 0.1 {
		t.Errorf("unexpected file values %+v", cfg)
	}
	if cfg.HumanFollowUpCount != 3 {
		t.Errorf("expected env to override file, got %d", cfg.HumanFollowUpCount)
	}
	if cfg.TypingDelayMin != 5*time.Millisecond || cfg.TypingDelayMax != 15*time.Millisecond {
		t.Errorf("unexpected typing range [%v, %v]", cfg.TypingDelayMin, cfg.TypingDelayMax)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected defaults for missing file, got %+v", cfg)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("noise_top_k: [1, 2\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Normalize(Raw{AssistantActionLimit: ptr(5), Epsilon: ptr(0.2)})
	if err := WriteFile(path, cfg.Raw()); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := Normalize(raw); got != cfg {
		t.Errorf("expected %+v, got %+v", cfg, got)
	}
}

func TestDecode(t *testing.T) {
	raw, err := Decode(`{"assistant_action_limit":2,"comment_marker":"//"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := Normalize(raw)
	if cfg.AssistantActionLimit != 2 || cfg.CommentMarker != "//" {
		t.Errorf("unexpected decoded config %+v", cfg)
	}
	if _, err := Decode("{"); err == nil {
		t.Error("expected decode error")
	}
	if raw, err := Decode(""); err != nil || raw.CommentMarker != nil {
		t.Errorf("expected empty Raw, got %+v (%v)", raw, err)
	}
}

// #endregion file-tests
