package progress

import (
	"math"
	"time"

	"github.com/bizmatters/agent-builder/app-studio/internal/stream"
)

// Reduce applies one frame to s and returns the new state. It never mutates
// its input. at is the frame's arrival time.
//
// Frames are ignored unless the session is active, and frames carrying a
// build id other than the session's are stale and ignored. Percent only moves
// forward while active; complete and result force it to 100.
func Reduce(s State, f stream.Frame, at time.Time) State {
	if s.Status != StatusActive {
		return s
	}
	if f.BuildID != "" {
		if s.BuildID == "" {
			s.BuildID = f.BuildID
		} else if f.BuildID != s.BuildID {
			return s
		}
	}

	switch f.Kind {
	case stream.KindProgress:
		s.Phase = f.Phase
		s.Message = f.Message
		s.Percent = advance(s.Percent, valueOr(f.Percent, 0))

	case stream.KindLength:
		if f.Current != nil {
			s.Stats.TotalCharacters = *f.Current
		}
		s.Stats.Throughput = throughput(s.Stats, at)
		if f.Percent != nil {
			s.Percent = advance(s.Percent, *f.Percent)
		}

	case stream.KindChunk:
		s.Stats.ChunksReceived++
		s.Stats.TotalCharacters += int64(len(f.Content))
		s.Stats.Throughput = throughput(s.Stats, at)
		if f.TotalLength != nil && *f.TotalLength > 0 {
			s.Stats.EstimatedTotalChunks = int(math.Ceil(float64(*f.TotalLength) / ChunkSize))
		}

	case stream.KindComplete:
		s.Percent = 100
		s.Phase = PhaseComplete
		s.Stats.EndTime = at
		if f.Message != "" {
			s.Message = f.Message
		}

	case stream.KindResult:
		s.Status = StatusCompleted
		s.Percent = 100
		if f.Result != nil {
			result := *f.Result
			s.Result = &result
		}
		if s.Stats.EndTime.IsZero() {
			s.Stats.EndTime = at
		}

	case stream.KindError:
		msg := f.Error
		if msg == "" {
			msg = f.Message
		}
		if msg == "" {
			msg = "unknown build error"
		}
		s.Status = StatusFailed
		s.LastError = msg
		if s.Stats.EndTime.IsZero() {
			s.Stats.EndTime = at
		}
	}

	return s
}

// advance clamps regressions: a lower percent from a stale frame keeps the current one
func advance(current, next float64) float64 {
	next = math.Max(0, math.Min(100, next))
	if next < current {
		return current
	}
	return next
}

func throughput(stats Stats, at time.Time) float64 {
	if stats.StartTime.IsZero() {
		return 0
	}
	elapsed := at.Sub(stats.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(stats.TotalCharacters) / elapsed
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
