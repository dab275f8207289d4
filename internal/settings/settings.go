// Package settings loads the process-wide immutable configuration consumed
// by every other core package (raster I/O, metadata driver, tile engine,
// tile cache). It is loaded once via Load and never mutated afterwards.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"rastertile/internal/rterrors"
)

// ResamplingMethod is one of the resampling kinds the raster adapter supports.
type ResamplingMethod string

const (
	Nearest ResamplingMethod = "nearest"
	Linear  ResamplingMethod = "linear"
	Cubic   ResamplingMethod = "cubic"
	Average ResamplingMethod = "average"
)

func (m ResamplingMethod) valid() bool {
	switch m {
	case Nearest, Linear, Cubic, Average:
		return true
	default:
		return false
	}
}

// LargeRasterThreshold is the pixel count above which metadata computation
// switches to the chunked, streaming code path by default.
const LargeRasterThreshold = 10980 * 10980

// Settings is an immutable snapshot of the server's configuration.
type Settings struct {
	RasterCacheSize      int64
	RemoteDBCacheDir     string
	RemoteDBCacheTTL     time.Duration
	ResamplingMethod     ResamplingMethod
	LargeRasterThreshold int64
}

const (
	envRasterCacheSize  = "TC_RASTER_CACHE_SIZE"
	envRemoteDBCacheDir = "TC_REMOTE_DB_CACHE_DIR"
	envRemoteDBCacheTTL = "TC_REMOTE_DB_CACHE_TTL"
	envResamplingMethod = "TC_RESAMPLING_METHOD"

	defaultRasterCacheSize  = int64(1 << 30) // 1 GiB
	defaultRemoteDBCacheDir = "/tmp/rastertile-cache"
	defaultRemoteDBCacheTTL = 5 * time.Minute
	defaultResamplingMethod = Linear
)

// Load reads configuration from TC_* environment variables, optionally
// sourcing a .env file first (ignored if absent — same convention the host
// API service uses for local development).
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := &Settings{
		RasterCacheSize:      defaultRasterCacheSize,
		RemoteDBCacheDir:     defaultRemoteDBCacheDir,
		RemoteDBCacheTTL:     defaultRemoteDBCacheTTL,
		ResamplingMethod:     defaultResamplingMethod,
		LargeRasterThreshold: LargeRasterThreshold,
	}

	if v := os.Getenv(envRasterCacheSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, rterrors.New(rterrors.ConfigError, fmt.Sprintf("%s must be a positive integer, got %q", envRasterCacheSize, v))
		}
		s.RasterCacheSize = n
	}

	if v := os.Getenv(envRemoteDBCacheDir); v != "" {
		s.RemoteDBCacheDir = v
	}

	if v := os.Getenv(envRemoteDBCacheTTL); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return nil, rterrors.New(rterrors.ConfigError, fmt.Sprintf("%s must be a non-negative number of seconds, got %q", envRemoteDBCacheTTL, v))
		}
		s.RemoteDBCacheTTL = time.Duration(secs * float64(time.Second))
	}

	if v := os.Getenv(envResamplingMethod); v != "" {
		m := ResamplingMethod(v)
		if !m.valid() {
			return nil, rterrors.New(rterrors.ConfigError, fmt.Sprintf("unknown resampling method %q", v))
		}
		s.ResamplingMethod = m
	}

	if err := os.MkdirAll(s.RemoteDBCacheDir, 0o755); err != nil {
		return nil, rterrors.Wrap(rterrors.ConfigError, "create remote db cache dir", err)
	}

	return s, nil
}
