package stream

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/agentrun/pkg/models"
)

func TestMux_SendAndComplete(t *testing.T) {
	m := NewMux(MuxOptions{})
	defer m.Shutdown()

	id, ch := m.Create()
	m.Send(id, models.ContentChunk("hello"))
	usage := models.NewTokenUsage(5, 3)
	m.Complete(id, &usage)

	var got []*models.StreamChunk
	for chunk := range ch {
		got = append(got, chunk)
	}
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	if got[0].Type != models.ChunkContent || got[0].Content != "hello" {
		t.Errorf("first chunk = %+v", got[0])
	}
	if got[1].Type != models.ChunkDone || got[1].Usage == nil || got[1].Usage.TotalTokens != 8 {
		t.Errorf("last chunk = %+v", got[1])
	}
}

func TestMux_ErrorTerminates(t *testing.T) {
	m := NewMux(MuxOptions{})
	defer m.Shutdown()

	id, ch := m.Create()
	m.Error(id, "run failed")

	chunk, ok := <-ch
	if !ok {
		t.Fatal("channel closed without terminal chunk")
	}
	if chunk.Type != models.ChunkError || chunk.Error != "run failed" {
		t.Errorf("chunk = %+v", chunk)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after error")
	}
}

func TestMux_SendAfterTerminalIsNoop(t *testing.T) {
	m := NewMux(MuxOptions{})
	defer m.Shutdown()

	id, ch := m.Create()
	m.Complete(id, nil)
	m.Send(id, models.ContentChunk("late"))
	m.Complete(id, nil)
	m.Error(id, "also late")

	n := 0
	for range ch {
		n++
	}
	if n != 1 {
		t.Errorf("chunks = %d, want only the terminal one", n)
	}
}

func TestMux_FullBufferDropsNotBlocks(t *testing.T) {
	m := NewMux(MuxOptions{BufferSize: 2})
	defer m.Shutdown()

	id, ch := m.Create()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			m.Send(id, models.ContentChunk("x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on full buffer")
	}
	if dropped := m.Dropped(id); dropped != 8 {
		t.Errorf("dropped = %d, want 8", dropped)
	}
	m.Close(id)
	for range ch {
	}
}

func TestMux_CloseWithoutTerminalChunk(t *testing.T) {
	m := NewMux(MuxOptions{})
	defer m.Shutdown()

	id, ch := m.Create()
	m.Close(id)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel with no chunks")
	}
	if m.Active() != 0 {
		t.Errorf("active = %d, want 0", m.Active())
	}
}

func TestMux_SubscribeAfterComplete(t *testing.T) {
	m := NewMux(MuxOptions{})
	defer m.Shutdown()

	id, _ := m.Create()
	m.Send(id, models.ContentChunk("fast"))
	m.Complete(id, nil)

	// A consumer arriving after a quick run still gets the session.
	ch := m.Subscribe(id)
	if ch == nil {
		t.Fatal("Subscribe returned nil for completed session")
	}
	var chunks []*models.StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 2 || chunks[1].Type != models.ChunkDone {
		t.Errorf("chunks = %+v", chunks)
	}

	if m.Subscribe("unknown") != nil {
		t.Error("Subscribe returned channel for unknown session")
	}
}

func TestMux_SendToUnknownSession(t *testing.T) {
	m := NewMux(MuxOptions{})
	defer m.Shutdown()
	m.Send("no-such-session", models.ContentChunk("x"))
	m.Complete("no-such-session", nil)
}

func TestMux_IdleSessionsExpire(t *testing.T) {
	m := NewMux(MuxOptions{IdleTimeout: time.Millisecond})
	defer m.Shutdown()

	id, ch := m.Create()
	m.expireIdle(time.Now().Add(time.Minute))

	chunk, ok := <-ch
	if !ok || chunk.Type != models.ChunkError {
		t.Fatalf("chunk = %+v, ok = %v, want expiry error", chunk, ok)
	}
	if m.Active() != 0 {
		t.Errorf("active = %d, want 0", m.Active())
	}
	m.Send(id, models.ContentChunk("late"))
}

func TestMux_ShutdownClosesAll(t *testing.T) {
	m := NewMux(MuxOptions{})
	_, ch1 := m.Create()
	_, ch2 := m.Create()
	m.Shutdown()

	if _, ok := <-ch1; ok {
		t.Error("session 1 still open after shutdown")
	}
	if _, ok := <-ch2; ok {
		t.Error("session 2 still open after shutdown")
	}
}

func TestMux_SessionsGauge(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_sessions_active"})
	m := NewMux(MuxOptions{SessionsGauge: gauge})
	defer m.Shutdown()

	id1, _ := m.Create()
	id2, _ := m.Create()
	if got := testutil.ToFloat64(gauge); got != 2 {
		t.Fatalf("gauge after create = %v, want 2", got)
	}

	usage := models.NewTokenUsage(1, 1)
	m.Complete(id1, &usage)
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("gauge after complete = %v, want 1", got)
	}

	// Removing the already-terminal session must not decrement again.
	m.Close(id1)
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("gauge after closing terminal session = %v, want 1", got)
	}

	m.Close(id2)
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Errorf("gauge after close = %v, want 0", got)
	}
}

func TestMux_SessionsGaugeOnExpiry(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_sessions_expired"})
	m := NewMux(MuxOptions{SessionsGauge: gauge, IdleTimeout: time.Minute})
	defer m.Shutdown()

	m.Create()
	m.expireIdle(time.Now().Add(2 * time.Minute))
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Errorf("gauge after expiry = %v, want 0", got)
	}
}
