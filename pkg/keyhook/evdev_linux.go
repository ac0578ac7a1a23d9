//go:build linux

package keyhook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/offlinefirst/keyboard-monitor/pkg/chord"
)

const pollIntervalMillis = 200

var keyboardGlobs = []string{
	"/dev/input/by-path/*-event-kbd",
	"/dev/input/by-id/*-event-kbd",
}

// input_event is a struct timeval followed by type, code and value.
var (
	timevalSize    = int(unsafe.Sizeof(unix.Timeval{}))
	inputEventSize = timevalSize + 8
)

type rawKeyEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

type evdevHook struct {
	devices []string
	logger  *slog.Logger
}

func newEvdevHook(opts Options) (Hook, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	devices := opts.Devices
	if len(devices) == 0 {
		found, err := DiscoverKeyboards()
		if err != nil {
			return nil, err
		}
		devices = found
	}
	if len(devices) == 0 {
		return nil, errors.New("no keyboard input devices found under /dev/input")
	}
	return &evdevHook{devices: devices, logger: logger}, nil
}

// DiscoverKeyboards lists keyboard event devices exposed by udev symlinks.
func DiscoverKeyboards() ([]string, error) {
	seen := make(map[string]struct{})
	var devices []string
	for _, pattern := range keyboardGlobs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, link := range matches {
			target, err := filepath.EvalSymlinks(link)
			if err != nil {
				continue
			}
			if _, dup := seen[target]; dup {
				continue
			}
			seen[target] = struct{}{}
			devices = append(devices, target)
		}
	}
	sort.Strings(devices)
	return devices, nil
}

func (h *evdevHook) Subscribe(onPress, onRelease func(chord.Key)) (Subscription, error) {
	fds := make([]int, 0, len(h.devices))
	for _, path := range h.devices {
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("open input device %s: %w", path, err)
		}
		fds = append(fds, fd)
		h.logger.Debug("input device opened", "device", path)
	}

	sub := newSubscription()
	go func() {
		defer closeAll(fds)
		sub.finish(h.pump(sub.stopping(), fds, onPress, onRelease))
	}()
	return sub, nil
}

// pump reads every device from one goroutine so callbacks are serialized.
func (h *evdevHook) pump(stop <-chan struct{}, fds []int, onPress, onRelease func(chord.Key)) error {
	pollFds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pollFds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	buf := make([]byte, inputEventSize*64)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.Poll(pollFds, pollIntervalMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll input devices: %w", err)
		}
		if n == 0 {
			continue
		}

		for i := range pollFds {
			revents := pollFds[i].Revents
			if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				return fmt.Errorf("input device %s disconnected", h.devices[i])
			}
			if revents&unix.POLLIN == 0 {
				continue
			}
			read, err := unix.Read(fds[i], buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					continue
				}
				return fmt.Errorf("read input device %s: %w", h.devices[i], err)
			}
			for _, ev := range decodeKeyEvents(buf[:read]) {
				switch ev.Value {
				case keyValuePress, keyValueRepeat:
					onPress(evdevKey(ev.Code))
				case keyValueRelease:
					onRelease(evdevKey(ev.Code))
				}
			}
		}
	}
}

// decodeKeyEvents extracts EV_KEY records from a raw read; partial trailing
// records are ignored.
func decodeKeyEvents(buf []byte) []rawKeyEvent {
	var out []rawKeyEvent
	for off := 0; off+inputEventSize <= len(buf); off += inputEventSize {
		rec := buf[off+timevalSize : off+inputEventSize]
		ev := rawKeyEvent{
			Type:  binary.NativeEndian.Uint16(rec[0:2]),
			Code:  binary.NativeEndian.Uint16(rec[2:4]),
			Value: int32(binary.NativeEndian.Uint32(rec[4:8])),
		}
		if ev.Type != evKey {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
