package config

// #region imports
import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// #endregion imports

// #region defaults

const (
	defaultAssistantActionLimit = 1
	defaultTurnInterval         = 1000 * time.Millisecond
	defaultActionDelayMin       = 300 * time.Millisecond
	defaultActionDelayMax       = 900 * time.Millisecond
	defaultTypingDelayMin       = 20 * time.Millisecond
	defaultTypingDelayMax       = 80 * time.Millisecond
	defaultPostActionPause      = 250 * time.Millisecond
	defaultNoiseProbability     = 0.25
	defaultNoiseTopK            = 3
	defaultDurationCap          = 600000 * time.Millisecond
	defaultMaxActions           = 100
	defaultAckTimeout           = 2000 * time.Millisecond
	defaultCommentMarker        = "#"

	// MaxNoiseTopK is the number of action kinds the policy can rank.
	MaxNoiseTopK = 7
)

// Default returns the configuration used when nothing is provided.
func Default() Simulation {
	return Normalize(Raw{})
}

// #endregion defaults

// #region normalize

// Normalize fills absent fields with defaults and clamps the rest. Invalid
// values are corrected, never rejected.
func Normalize(r Raw) Simulation {
	s := Simulation{
		AssistantActionLimit: intOr(r.AssistantActionLimit, defaultAssistantActionLimit),
		TurnInterval:         msOr(r.TurnIntervalMs, defaultTurnInterval),
		ActionDelayMin:       msOr(r.ActionDelayMinMs, defaultActionDelayMin),
		ActionDelayMax:       msOr(r.ActionDelayMaxMs, defaultActionDelayMax),
		TypingDelayMin:       msOr(r.TypingDelayMinMs, defaultTypingDelayMin),
		TypingDelayMax:       msOr(r.TypingDelayMaxMs, defaultTypingDelayMax),
		PostActionPause:      msOr(r.PostActionPauseMs, defaultPostActionPause),
		NoiseProbability:     floatOr(r.NoiseProbability, defaultNoiseProbability),
		NoiseTopK:            intOr(r.NoiseTopK, defaultNoiseTopK),
		Temperature:          floatOr(r.Temperature, 0),
		Epsilon:              floatOr(r.Epsilon, 0),
		DurationCap:          msOr(r.DurationCapMs, defaultDurationCap),
		MaxActions:           intOr(r.MaxActions, defaultMaxActions),
		AckTimeout:           msOr(r.AckTimeoutMs, defaultAckTimeout),
		CommentMarker:        defaultCommentMarker,
	}
	if r.CloseOnStop != nil {
		s.CloseOnStop = *r.CloseOnStop
	}
	if r.CommentMarker != nil {
		s.CommentMarker = *r.CommentMarker
	}

	// Paired runs always end with at least one human follow-up.
	s.HumanFollowUpCount = intOr(r.HumanFollowUpCount, 0)
	if s.AssistantActionLimit > 0 && s.HumanFollowUpCount < 1 {
		s.HumanFollowUpCount = 1
	}
	return s.Clamp()
}

// Clamp returns s with every field forced into its valid range.
func (s Simulation) Clamp() Simulation {
	s.AssistantActionLimit = max(s.AssistantActionLimit, 0)
	s.HumanFollowUpCount = max(s.HumanFollowUpCount, 0)

	s.TurnInterval = max(s.TurnInterval, 0)
	s.ActionDelayMin = max(s.ActionDelayMin, 0)
	if s.ActionDelayMax < s.ActionDelayMin {
		s.ActionDelayMax = s.ActionDelayMin
	}
	s.TypingDelayMin = max(s.TypingDelayMin, 0)
	if s.TypingDelayMax < s.TypingDelayMin {
		s.TypingDelayMax = s.TypingDelayMin
	}
	s.PostActionPause = max(s.PostActionPause, 0)

	s.NoiseProbability = clampFloat(s.NoiseProbability, 0, 1)
	s.NoiseTopK = min(max(s.NoiseTopK, 1), MaxNoiseTopK)
	s.Temperature = clampFloat(s.Temperature, 0, math.MaxFloat64)
	s.Epsilon = clampFloat(s.Epsilon, 0, 1)

	s.DurationCap = max(s.DurationCap, 0)
	s.MaxActions = max(s.MaxActions, 0)
	// 2s is a hard ceiling.
	if s.AckTimeout <= 0 || s.AckTimeout > defaultAckTimeout {
		s.AckTimeout = defaultAckTimeout
	}
	if s.CommentMarker == "" {
		s.CommentMarker = defaultCommentMarker
	}
	return s
}

// Raw returns the fully populated sparse form of s, suitable for persisting
// alongside an episode.
func (s Simulation) Raw() Raw {
	ms := func(d time.Duration) *int64 { v := d.Milliseconds(); return &v }
	return Raw{
		AssistantActionLimit: &s.AssistantActionLimit,
		HumanFollowUpCount:   &s.HumanFollowUpCount,
		TurnIntervalMs:       ms(s.TurnInterval),
		ActionDelayMinMs:     ms(s.ActionDelayMin),
		ActionDelayMaxMs:     ms(s.ActionDelayMax),
		TypingDelayMinMs:     ms(s.TypingDelayMin),
		TypingDelayMaxMs:     ms(s.TypingDelayMax),
		PostActionPauseMs:    ms(s.PostActionPause),
		NoiseProbability:     &s.NoiseProbability,
		NoiseTopK:            &s.NoiseTopK,
		Temperature:          &s.Temperature,
		Epsilon:              &s.Epsilon,
		DurationCapMs:        ms(s.DurationCap),
		MaxActions:           &s.MaxActions,
		CloseOnStop:          &s.CloseOnStop,
		AckTimeoutMs:         ms(s.AckTimeout),
		CommentMarker:        &s.CommentMarker,
	}
}

// #endregion normalize

// #region merge

// Merge returns r overlaid with every field set in o.
func (r Raw) Merge(o Raw) Raw {
	overlay(&r.AssistantActionLimit, o.AssistantActionLimit)
	overlay(&r.HumanFollowUpCount, o.HumanFollowUpCount)
	overlay(&r.TurnIntervalMs, o.TurnIntervalMs)
	overlay(&r.ActionDelayMinMs, o.ActionDelayMinMs)
	overlay(&r.ActionDelayMaxMs, o.ActionDelayMaxMs)
	overlay(&r.TypingDelayMinMs, o.TypingDelayMinMs)
	overlay(&r.TypingDelayMaxMs, o.TypingDelayMaxMs)
	overlay(&r.PostActionPauseMs, o.PostActionPauseMs)
	overlay(&r.NoiseProbability, o.NoiseProbability)
	overlay(&r.NoiseTopK, o.NoiseTopK)
	overlay(&r.Temperature, o.Temperature)
	overlay(&r.Epsilon, o.Epsilon)
	overlay(&r.DurationCapMs, o.DurationCapMs)
	overlay(&r.MaxActions, o.MaxActions)
	overlay(&r.CloseOnStop, o.CloseOnStop)
	overlay(&r.AckTimeoutMs, o.AckTimeoutMs)
	overlay(&r.CommentMarker, o.CommentMarker)
	return r
}

func overlay[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

// #endregion merge

// #region env

// FromEnv returns the defaults overlaid with PAIRSIM_* environment variables.
func FromEnv() Simulation {
	return Normalize(EnvRaw())
}

// EnvRaw reads PAIRSIM_ASSISTANT_ACTIONS, PAIRSIM_HUMAN_FOLLOW_UPS,
// PAIRSIM_TURN_INTERVAL_MS, PAIRSIM_ACTION_DELAY_MIN_MS,
// PAIRSIM_ACTION_DELAY_MAX_MS, PAIRSIM_TYPING_DELAY_MIN_MS,
// PAIRSIM_TYPING_DELAY_MAX_MS, PAIRSIM_POST_ACTION_PAUSE_MS,
// PAIRSIM_NOISE_PROB, PAIRSIM_NOISE_TOP_K, PAIRSIM_TEMPERATURE,
// PAIRSIM_EPSILON, PAIRSIM_DURATION_CAP_MS, PAIRSIM_MAX_ACTIONS,
// PAIRSIM_CLOSE_ON_STOP, PAIRSIM_ACK_TIMEOUT_MS and PAIRSIM_COMMENT_MARKER.
// Unparseable values are ignored.
func EnvRaw() Raw {
	var r Raw
	r.AssistantActionLimit = envInt("PAIRSIM_ASSISTANT_ACTIONS")
	r.HumanFollowUpCount = envInt("PAIRSIM_HUMAN_FOLLOW_UPS")
	r.TurnIntervalMs = envInt64("PAIRSIM_TURN_INTERVAL_MS")
	r.ActionDelayMinMs = envInt64("PAIRSIM_ACTION_DELAY_MIN_MS")
	r.ActionDelayMaxMs = envInt64("PAIRSIM_ACTION_DELAY_MAX_MS")
	r.TypingDelayMinMs = envInt64("PAIRSIM_TYPING_DELAY_MIN_MS")
	r.TypingDelayMaxMs = envInt64("PAIRSIM_TYPING_DELAY_MAX_MS")
	r.PostActionPauseMs = envInt64("PAIRSIM_POST_ACTION_PAUSE_MS")
	r.NoiseProbability = envFloat("PAIRSIM_NOISE_PROB")
	r.NoiseTopK = envInt("PAIRSIM_NOISE_TOP_K")
	r.Temperature = envFloat("PAIRSIM_TEMPERATURE")
	r.Epsilon = envFloat("PAIRSIM_EPSILON")
	r.DurationCapMs = envInt64("PAIRSIM_DURATION_CAP_MS")
	r.MaxActions = envInt("PAIRSIM_MAX_ACTIONS")
	r.AckTimeoutMs = envInt64("PAIRSIM_ACK_TIMEOUT_MS")
	if v := os.Getenv("PAIRSIM_CLOSE_ON_STOP"); v != "" {
		b := v == "true" || v == "1"
		r.CloseOnStop = &b
	}
	if v := os.Getenv("PAIRSIM_COMMENT_MARKER"); v != "" {
		r.CommentMarker = &v
	}
	return r
}

func envInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func envInt64(key string) *int64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func envFloat(key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// #endregion env

// #region file

// ReadFile parses a YAML configuration file. An empty path or a missing file
// yields an empty Raw.
func ReadFile(path string) (Raw, error) {
	var r Raw
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, nil
		}
		return r, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return r, nil
}

// Load reads path, overlays the environment and normalizes the result.
func Load(path string) (Simulation, error) {
	r, err := ReadFile(path)
	if err != nil {
		return Simulation{}, err
	}
	return Normalize(r.Merge(EnvRaw())), nil
}

// WriteFile stores r as YAML.
func WriteFile(path string, r Raw) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Decode parses a Raw stored as JSON, such as an episode's config column.
// An empty string yields an empty Raw.
func Decode(data string) (Raw, error) {
	var r Raw
	if data == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return r, fmt.Errorf("config: decode: %w", err)
	}
	return r, nil
}

// #endregion file

// #region helpers
func intOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func floatOr(p *float64, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	return *p
}

func msOr(p *int64, fallback time.Duration) time.Duration {
	if p == nil {
		return fallback
	}
	return time.Duration(*p) * time.Millisecond
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// #endregion helpers
