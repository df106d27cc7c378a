package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	envelopeFile = "notify.json"
	triggerFile  = "notify.trigger"
)

// FileTransport is the degraded fallback used when no hub can be established:
// the sender writes the message envelope to a well-known file and then
// touches a trigger file; every other context watches the trigger with
// fsnotify and re-reads the envelope on change. Mirrors a storage-event
// scheme: the trigger write is the event, the envelope is the shared key.
type FileTransport struct {
	dir     string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	msgs    chan Message

	mu      sync.Mutex
	closed  bool
	lastSeq string
}

func NewFileTransport(dir string, log *slog.Logger) (*FileTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("could not create notification directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("could not watch notification directory: %w", err)
	}

	t := &FileTransport{
		dir:     dir,
		log:     log,
		watcher: watcher,
		msgs:    make(chan Message, 16),
	}
	go t.watchLoop()
	return t, nil
}

func (t *FileTransport) Send(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("could not marshal notification: %w", err)
	}

	// Write-then-rename so a reader never observes a torn envelope.
	envelope := filepath.Join(t.dir, envelopeFile)
	tmp := envelope + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, envelope); err != nil {
		return err
	}

	seq := strconv.FormatInt(time.Now().UnixNano(), 10)
	t.mu.Lock()
	t.lastSeq = seq
	t.mu.Unlock()
	return os.WriteFile(filepath.Join(t.dir, triggerFile), []byte(seq), 0o644)
}

func (t *FileTransport) watchLoop() {
	defer close(t.msgs)
	trigger := filepath.Join(t.dir, triggerFile)
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Name != trigger || !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			t.deliver()
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Warn("notification watcher error", "error", err)
		}
	}
}

func (t *FileTransport) deliver() {
	seq, err := os.ReadFile(filepath.Join(t.dir, triggerFile))
	if err != nil {
		return
	}
	t.mu.Lock()
	own := t.lastSeq != "" && t.lastSeq == string(seq)
	t.mu.Unlock()
	if own {
		// Our own trigger write; the origin check upstream would drop it
		// anyway, this just avoids a pointless envelope read.
		return
	}

	data, err := os.ReadFile(filepath.Join(t.dir, envelopeFile))
	if err != nil {
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.log.Warn("skipping malformed notification envelope", "error", err)
		return
	}
	select {
	case t.msgs <- msg:
	default:
	}
}

func (t *FileTransport) Messages() <-chan Message {
	return t.msgs
}

func (t *FileTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.watcher.Close()
}
