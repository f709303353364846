package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Var returns the trimmed value of the environment variable key, without surrounding quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// firstInt returns the first key that parses as an integer.
func firstInt(defaultValue int, keys ...string) int {
	for _, key := range keys {
		s := Var(key)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			klog.Warningf("invalid environment variable %s=%q, ignoring", key, s)
			continue
		}
		return n
	}
	return defaultValue
}

// Rank is this process's position in the group.
// Configurable via INFERO_RANK; OMPI_COMM_WORLD_RANK and PMI_RANK are honoured so
// processes started by mpirun pick up their rank.
func Rank() int {
	return firstInt(0, "INFERO_RANK", "OMPI_COMM_WORLD_RANK", "PMI_RANK")
}

// WorldSize is the number of processes in the group. Default 1.
func WorldSize() int {
	return firstInt(1, "INFERO_WORLD_SIZE", "OMPI_COMM_WORLD_SIZE", "PMI_SIZE")
}

// Coordinator is the host:port the rank-0 hub listens on.
// Configurable via INFERO_COORDINATOR. Default 127.0.0.1:7600.
func Coordinator() string {
	if s := Var("INFERO_COORDINATOR"); s != "" {
		return s
	}
	return "127.0.0.1:7600"
}

// BroadcastTimeout bounds each collective call. Zero (the default) means no bound.
// Configurable via INFERO_BROADCAST_TIMEOUT as a Go duration or a number of seconds.
func BroadcastTimeout() time.Duration {
	s := Var("INFERO_BROADCAST_TIMEOUT")
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	klog.Warningf("invalid INFERO_BROADCAST_TIMEOUT=%q, ignoring", s)
	return 0
}

// LogLevel is the klog verbosity requested via INFERO_DEBUG.
func LogLevel() int {
	s := Var("INFERO_DEBUG")
	if s == "" {
		return 0
	}
	if b, err := strconv.ParseBool(s); err == nil {
		if b {
			return 2
		}
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return 0
}

// EnvVar describes one environment setting.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsList returns every environment setting with its current value.
func AsList() []EnvVar {
	return []EnvVar{
		{"INFERO_RANK", Rank(), "Rank of this process in the group (default 0)"},
		{"INFERO_WORLD_SIZE", WorldSize(), "Number of processes in the group (default 1)"},
		{"INFERO_COORDINATOR", Coordinator(), "Address of the rank-0 hub (default 127.0.0.1:7600)"},
		{"INFERO_BROADCAST_TIMEOUT", BroadcastTimeout(), "Upper bound for each collective call (default none)"},
		{"INFERO_DEBUG", LogLevel(), "Log verbosity (e.g. INFERO_DEBUG=1)"},
	}
}

func (e EnvVar) String() string {
	return fmt.Sprintf("%s=%v", e.Name, e.Value)
}
