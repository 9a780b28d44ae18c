package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/amirimatin/go-mockhub/pkg/discovery"
	"github.com/amirimatin/go-mockhub/pkg/internal/logutil"
)

// Options configures the file-backed discovery store.
type Options struct {
	// Dir holds one record file per HTTP port. Defaults to os.TempDir().
	Dir string
	// Env overrides Dir when the named variable is set and non-empty.
	Env string
	// Logger is optional.
	Logger *zerolog.Logger
}

type impl struct {
	dir    string
	logger *zerolog.Logger
}

// New returns a discovery.Store that keeps records as small text files.
// Records are overwritten in place rather than renamed, so readers must and
// do tolerate torn content.
func New(opts Options) discovery.Store {
	dir := opts.Dir
	if opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(opts.Env)); v != "" {
			dir = v
		}
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return &impl{dir: dir, logger: logutil.Or(opts.Logger, "discovery")}
}

// FileName is the deterministic record name for httpPort.
func FileName(httpPort int) string { return fmt.Sprintf("mockhub-ctl-%d.port", httpPort) }

func (i *impl) path(httpPort int) string { return filepath.Join(i.dir, FileName(httpPort)) }

func (i *impl) Store(httpPort, controlPort int) error {
	p := i.path(httpPort)
	if err := os.WriteFile(p, []byte(strconv.Itoa(controlPort)), 0o644); err != nil {
		return fmt.Errorf("discovery: store %s: %w", p, err)
	}
	i.logger.Debug().Int("http_port", httpPort).Int("control_port", controlPort).Str("file", p).Msg("stored control port")
	return nil
}

func (i *impl) Load(httpPort int) (int, bool) {
	p := i.path(httpPort)
	b, err := os.ReadFile(p)
	if err != nil {
		if !os.IsNotExist(err) {
			i.logger.Warn().Err(err).Str("file", p).Msg("reading control port record")
		}
		return 0, false
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, false
	}
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		i.logger.Debug().Str("file", p).Str("content", s).Msg("ignoring unparsable control port record")
		return 0, false
	}
	return port, true
}

func (i *impl) Clear(httpPort int) error {
	p := i.path(httpPort)
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		return fmt.Errorf("discovery: clear %s: %w", p, err)
	}
	i.logger.Debug().Int("http_port", httpPort).Msg("cleared control port record")
	return nil
}

func (i *impl) ClearIf(httpPort, controlPort int) error {
	if cur, ok := i.Load(httpPort); ok && cur != controlPort {
		i.logger.Debug().Int("http_port", httpPort).Int("current", cur).Int("own", controlPort).Msg("record owned by another process, leaving it")
		return nil
	}
	return i.Clear(httpPort)
}
