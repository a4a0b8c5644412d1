package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxFirmwareSize caps a downloaded firmware image.
const DefaultMaxFirmwareSize = 64 << 20

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Updater installs firmware offered by the sync service. A true result
// means a new image is in place and the device must reset.
type Updater interface {
	InstallIfNewer(ctx context.Context, current, candidate, url string) (bool, error)
}

// FirmwareUpdater replaces the executable at target with a downloaded
// image when the offered version is newer.
type FirmwareUpdater struct {
	target     string
	httpClient *http.Client
	logger     *zap.Logger

	MaxSize int64
}

func NewFirmwareUpdater(target string, logger *zap.Logger) *FirmwareUpdater {
	return &FirmwareUpdater{
		target: target,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		logger:  logger,
		MaxSize: DefaultMaxFirmwareSize,
	}
}

func (u *FirmwareUpdater) InstallIfNewer(ctx context.Context, current, candidate, url string) (bool, error) {
	if !NewerVersion(current, candidate) {
		u.logger.Debug("No update", zap.String("current", current), zap.String("offered", candidate))
		return false, nil
	}
	if u.target == "" {
		return false, errors.New("no firmware path configured")
	}

	u.logger.Info("New version available",
		zap.String("current", current),
		zap.String("offered", candidate),
		zap.String("url", url))

	tmp := u.target + ".ota"
	if err := u.download(ctx, url, tmp); err != nil {
		os.Remove(tmp)
		return false, err
	}
	if err := validateFirmware(tmp); err != nil {
		os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, u.target); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to install update: %w", err)
	}

	u.logger.Info("Update installed", zap.String("version", candidate), zap.String("path", u.target))
	return true, nil
}

func (u *FirmwareUpdater) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download update: status code %d", resp.StatusCode)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	n, err := io.Copy(f, io.LimitReader(resp.Body, u.MaxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write update: %w", err)
	}
	if n > u.MaxSize {
		return fmt.Errorf("update exceeds size limit of %d bytes", u.MaxSize)
	}
	return nil
}

func validateFirmware(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, len(elfMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("update too short: %w", err)
	}
	if !bytes.Equal(head, elfMagic) {
		return errors.New("update is not an executable image")
	}
	return nil
}

// NewerVersion reports whether latest is newer than current, comparing
// dotted numeric versions part by part (missing parts count as zero).
// Non-numeric versions fall back to string comparison.
func NewerVersion(current, latest string) bool {
	if current == "" || latest == "" {
		return false
	}

	cur, err1 := parseVersion(current)
	lat, err2 := parseVersion(latest)
	if err1 != nil || err2 != nil {
		return latest > current
	}

	n := max(len(cur), len(lat))
	for i := 0; i < n; i++ {
		var c, l int
		if i < len(cur) {
			c = cur[i]
		}
		if i < len(lat) {
			l = lat[i]
		}
		if l != c {
			return l > c
		}
	}
	return false
}

func parseVersion(v string) ([]int, error) {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
