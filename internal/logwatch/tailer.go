package logwatch

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
	"github.com/jarvisd/jarvisd/internal/events"
	"github.com/jarvisd/jarvisd/internal/events/bus"
	"github.com/jarvisd/jarvisd/pkg/claudelog"
)

const (
	// Safety-net poll for notifications the kernel dropped.
	pollInterval = 2 * time.Second

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	maxOpenRetries = 5
)

// tailer follows one transcript file and emits semantic events for each
// complete record. All events for the file are emitted from this single
// goroutine, which preserves file order per cliSessionId.
type tailer struct {
	path   string
	bus    bus.EventBus
	logger *logger.Logger

	file    *os.File
	offset  int64
	partial []byte

	fromEnd bool

	cliSessionID  string
	startEmitted  bool
	firstResponse bool

	// wake has capacity 1 so bursts of write notifications coalesce
	// into a single read pass.
	wake   chan struct{}
	stopCh chan struct{}
}

func newTailer(path string, fromEnd bool, eventBus bus.EventBus, log *logger.Logger) *tailer {
	return &tailer{
		path:    path,
		fromEnd: fromEnd,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("file", path)),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

func (t *tailer) wakeUp() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *tailer) stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

// run is the stream loop: open with retry, drain whatever is readable,
// then sleep until the next notification or poll tick.
func (t *tailer) run() {
	if !t.open() {
		return
	}
	defer t.file.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	t.drain()

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.wake:
			t.drain()
		case <-ticker.C:
			t.drain()
		}
	}
}

// open opens the file with backoff. Persistent failure drops the
// stream; a later filesystem event on the path starts a fresh tailer.
func (t *tailer) open() bool {
	delay := retryBaseDelay
	for attempt := 0; attempt < maxOpenRetries; attempt++ {
		f, err := os.Open(t.path)
		if err == nil {
			t.file = f
			if t.fromEnd {
				if end, serr := f.Seek(0, io.SeekEnd); serr == nil {
					t.offset = end
				}
			}
			return true
		}

		select {
		case <-t.stopCh:
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	t.logger.Error("dropping transcript stream, open failed persistently")
	return false
}

// drain reads everything currently readable and dispatches complete
// lines. Truncation reopens the stream at the new end of file; records
// before the new end are never replayed.
func (t *tailer) drain() {
	if info, err := os.Stat(t.path); err == nil && info.Size() < t.offset {
		t.logger.Info("transcript truncated, resuming at new end",
			zap.Int64("size", info.Size()))
		t.file.Close()
		t.file = nil
		t.partial = nil
		if !t.open() {
			t.stop()
			return
		}
		t.offset = info.Size()
	}

	buf := make([]byte, 32*1024)
	delay := retryBaseDelay
	for {
		n, err := t.file.ReadAt(buf, t.offset)
		if n > 0 {
			t.offset += int64(n)
			t.consume(buf[:n])
			delay = retryBaseDelay
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			t.logger.Warn("transcript read error, retrying", zap.Error(err))
			select {
			case <-t.stopCh:
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				return
			}
		}
	}
}

// consume splits raw bytes into newline-terminated records, carrying a
// partial trailing line to the next read.
func (t *tailer) consume(data []byte) {
	t.partial = append(t.partial, data...)

	for {
		idx := bytes.IndexByte(t.partial, '\n')
		if idx < 0 {
			return
		}
		line := t.partial[:idx]
		t.partial = t.partial[idx+1:]

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t.handleLine(line)
	}
}

func (t *tailer) handleLine(line []byte) {
	record, err := claudelog.ParseRecord(line)
	if err != nil {
		t.logger.Warn("skipping malformed transcript record", zap.Error(err))
		return
	}

	cliID := record.SessionID
	if cliID == "" {
		// Summary records carry no session id; attribute them to the
		// stream's known id.
		cliID = t.cliSessionID
	} else {
		t.cliSessionID = cliID
	}
	if cliID == "" {
		return
	}

	if !t.startEmitted {
		t.startEmitted = true
		t.emit(events.LogSessionStart, events.LogEventData{
			CLISessionID: cliID,
			FilePath:     t.path,
			CWD:          record.CWD,
			Timestamp:    record.Timestamp,
		})
	}

	if record.IsCorrelatable() {
		data := events.LogEventData{
			CLISessionID: cliID,
			FilePath:     t.path,
			MessageID:    record.UUID,
			CWD:          record.CWD,
			Timestamp:    record.Timestamp,
		}
		if record.HasParent() {
			data.ParentID = *record.ParentUUID
		}
		t.emit(events.LogCorrelationCandidate, data)
	}

	switch {
	case record.IsUser():
		if text, ok := userPromptText(record); ok {
			t.emit(events.LogUserPrompt, events.LogEventData{
				CLISessionID: cliID,
				FilePath:     t.path,
				MessageID:    record.UUID,
				Text:         text,
				Timestamp:    record.Timestamp,
			})
		}

	case record.IsAssistant():
		if !t.firstResponse {
			t.firstResponse = true
			t.emit(events.LogAssistantFirst, events.LogEventData{
				CLISessionID: cliID,
				FilePath:     t.path,
				MessageID:    record.UUID,
				Timestamp:    record.Timestamp,
			})
		}
		if text := record.AssistantText(); text != "" {
			t.emit(events.LogAssistantText, events.LogEventData{
				CLISessionID: cliID,
				FilePath:     t.path,
				MessageID:    record.UUID,
				Text:         text,
				Timestamp:    record.Timestamp,
			})
		}
	}

	if record.IsStop() {
		t.emit(events.LogStop, events.LogEventData{
			CLISessionID: cliID,
			FilePath:     t.path,
			Timestamp:    record.Timestamp,
		})
	}
}

// userPromptText extracts user-authored text, rejecting tool results
// that the CLI also files under the user role.
func userPromptText(record *claudelog.Record) (string, bool) {
	if record.Message == nil {
		return "", false
	}
	var text string
	for _, block := range record.Message.ContentBlocks() {
		switch block.Type {
		case claudelog.BlockTypeToolResult:
			return "", false
		case claudelog.BlockTypeText:
			if text != "" && block.Text != "" {
				text += "\n"
			}
			text += block.Text
		}
	}
	if text == "" {
		return "", false
	}
	return text, true
}

func (t *tailer) emit(eventType string, payload events.LogEventData) {
	data, err := events.ToMap(payload)
	if err != nil {
		t.logger.Error("failed to encode event payload", zap.Error(err))
		return
	}
	event := bus.NewEvent(eventType, "logwatch", data)
	if err := t.bus.Publish(context.Background(), eventType, event); err != nil {
		t.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
