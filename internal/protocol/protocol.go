// Package protocol defines the line protocol spoken with the robot
// controller: inbound commands and the comma-separated replies.
//
// A coordinate reply is "<countA>,<countB>,<x>,<y>,<z>" with two decimals on
// the coordinates. Fixed replies signal occlusion ("-1,0,0,0,0"), no target
// ("0,0,0,0,0") or an error ("<code>,0,0,0,0").
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/visionpick/internal/geometry"
)

// Code is a catch error code.
type Code int

const (
	TooFrequent       Code = 1001
	StillProcessing   Code = 1002
	ComponentNotReady Code = 1003
	DetectionFailed   Code = 2002
	UnknownError      Code = 9000
)

func (c Code) String() string {
	switch c {
	case TooFrequent:
		return "too_frequent"
	case StillProcessing:
		return "still_processing"
	case ComponentNotReady:
		return "component_not_ready"
	case DetectionFailed:
		return "detection_failed"
	case UnknownError:
		return "unknown_error"
	}
	return strconv.Itoa(int(c))
}

// Reply formats the error reply for c.
func (c Code) Reply() string {
	return fmt.Sprintf("%d,0,0,0,0", int(c))
}

// Fixed catch replies.
const (
	Occluded = "-1,0,0,0,0"
	NoTarget = "0,0,0,0,0"
)

// Coordinates formats a coordinate reply.
func Coordinates(countA, countB int, p geometry.Point3) string {
	return fmt.Sprintf("%d,%d,%.2f,%.2f,%.2f", countA, countB, p.X, p.Y, p.Z)
}

// Lifecycle replies.
const (
	StartOK               = "start,ok"
	StartAlreadyRunning   = "start,already_running"
	StartCameraNotReady   = "start,camera_not_ready"
	StartDetectorNotReady = "start,detector_not_ready"
	StartFailed           = "start,failed"
	StopOK                = "stop,ok"
	RecalibrateOK         = "recalibrate,ok"
	RecalibrateFailed     = "recalibrate,failed"
	UnknownCommand        = "error,unknown_command"
)

// Kind classifies an inbound line.
type Kind int

const (
	Unknown Kind = iota
	Catch
	Start
	Stop
	Complete
	Recalibrate
)

func (k Kind) String() string {
	switch k {
	case Catch:
		return "catch"
	case Start:
		return "start"
	case Stop:
		return "stop"
	case Complete:
		return "complete"
	case Recalibrate:
		return "recalibrate"
	}
	return "unknown"
}

// Command is a parsed inbound line.
type Command struct {
	Kind Kind
	Raw  string
	// Gap is the caller-measured time since its previous catch, when the
	// line carried one.
	Gap    time.Duration
	HasGap bool
}

type envelope struct {
	Command string `json:"command"`
	Data    struct {
		TCPIntervalMS *float64 `json:"tcp_interval_ms"`
	} `json:"data"`
}

var exact = map[string]Kind{
	"catch":       Catch,
	"start":       Start,
	"stop":        Stop,
	"recalibrate": Recalibrate,
}

// Parse classifies a line. A JSON object is read as an envelope
// {"command": ..., "data": {"tcp_interval_ms": ...}}; otherwise the trimmed
// line is matched case-insensitively against the command names. Any line
// containing "complete" is a completion signal.
func Parse(line string) Command {
	raw := strings.TrimSpace(line)
	cmd := Command{Raw: raw}
	name := raw

	if strings.HasPrefix(raw, "{") {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			name = env.Command
			if ms := env.Data.TCPIntervalMS; ms != nil && *ms >= 0 {
				cmd.Gap = time.Duration(*ms * float64(time.Millisecond))
				cmd.HasGap = true
			}
		}
	}

	lower := strings.ToLower(strings.TrimSpace(name))
	if k, ok := exact[lower]; ok {
		cmd.Kind = k
		return cmd
	}
	if strings.Contains(strings.ToLower(raw), "complete") {
		cmd.Kind = Complete
	}
	return cmd
}

// Reply is a decoded catch reply.
type Reply struct {
	Occluded bool
	NoTarget bool
	Code     Code
	CountA   int
	CountB   int
	Point    geometry.Point3
}

// ParseReply decodes a catch reply string.
func ParseReply(s string) (Reply, error) {
	s = strings.TrimSpace(s)
	switch s {
	case Occluded:
		return Reply{Occluded: true}, nil
	case NoTarget:
		return Reply{NoTarget: true}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 5 {
		return Reply{}, fmt.Errorf("reply %q: want 5 fields, got %d", s, len(parts))
	}
	a, err := strconv.Atoi(parts[0])
	if err != nil {
		return Reply{}, fmt.Errorf("reply %q: %w", s, err)
	}
	if parts[1] == "0" && parts[2] == "0" && parts[3] == "0" && parts[4] == "0" && a >= 1000 {
		return Reply{Code: Code(a)}, nil
	}
	b, err := strconv.Atoi(parts[1])
	if err != nil {
		return Reply{}, fmt.Errorf("reply %q: %w", s, err)
	}
	var xyz [3]float64
	for i := range xyz {
		if xyz[i], err = strconv.ParseFloat(parts[2+i], 64); err != nil {
			return Reply{}, fmt.Errorf("reply %q: %w", s, err)
		}
	}
	return Reply{CountA: a, CountB: b, Point: geometry.Point3{X: xyz[0], Y: xyz[1], Z: xyz[2]}}, nil
}
