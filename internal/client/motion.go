package client

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// ErrPermissionDenied is returned by a MotionSource when the platform refuses
// sensor access. The exchange can still complete through a QR scan.
var ErrPermissionDenied = errors.New("motion permission denied")

type Vector struct {
	X, Y, Z float64
}

func (v Vector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

type Sample struct {
	HasMotion    bool
	Magnitude    float64
	Acceleration *Vector
	Timestamp    time.Time
}

// MotionSource blocks until the next sample is available or ctx is done.
type MotionSource interface {
	DetectMotion(ctx context.Context) (Sample, error)
}

// accelerationStep is the quantisation step in m/s². Two phones in one bump
// rarely agree closer than this.
const accelerationStep = 2.0

var accelerationKey = [32]byte{
	'b', 'u', 'm', 'p', 'x', '.', 'a', 'c', 'c', 'e', 'l', 'e', 'r', 'a', 't', 'i',
	'o', 'n', '.', 'v', '1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashAcceleration returns a short keyed hash of a quantised acceleration
// vector. Components are compared by absolute value in sorted order, so two
// devices that feel the same impulse on differently oriented axes can agree.
// Each component is rounded to the nearest accelerationStep bucket, so close
// readings on either side of a bucket edge hash differently. The server only
// uses the hash to rank candidates, never to reject one.
func HashAcceleration(v Vector) string {
	axes := []float64{math.Abs(v.X), math.Abs(v.Y), math.Abs(v.Z)}
	sort.Float64s(axes)

	var buf [12]byte
	for i, a := range axes {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(math.Round(a/accelerationStep))))
	}

	hasher, err := blake3.NewKeyed(accelerationKey[:])
	if err != nil {
		panic("client: blake3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(buf[:])
	return hex.EncodeToString(hasher.Sum(nil)[:16])
}

// ScriptedSource replays a fixed list of samples. Each sample is released
// when its Timestamp is reached relative to the first DetectMotion call, or
// immediately when Realtime is false. After the last sample it returns Err if
// set, otherwise it blocks like an idle sensor until ctx is done.
type ScriptedSource struct {
	Samples  []Sample
	Realtime bool
	Err      error

	next    int
	started time.Time
	base    time.Time
}

func (s *ScriptedSource) DetectMotion(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if s.next >= len(s.Samples) {
		if s.Err != nil {
			return Sample{}, s.Err
		}
		<-ctx.Done()
		return Sample{}, io.EOF
	}

	sample := s.Samples[s.next]
	s.next++

	if s.Realtime {
		if s.started.IsZero() {
			s.started = time.Now()
			s.base = sample.Timestamp
		}
		wait := time.Until(s.started.Add(sample.Timestamp.Sub(s.base)))
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return Sample{}, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return sample, nil
}
