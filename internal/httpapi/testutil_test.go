package httpapi

import (
	"context"
	"sync"
	"time"

	"backendd/internal/backend"
	"backendd/internal/permissions"
	"backendd/pkg/types"
)

type mockService struct {
	models      []types.Model
	status      types.StatusResponse
	ready       bool
	outputs     []types.Output
	dispatchErr error
	opErr       error
	freed       bool
	holdFree    bool
	freeCtxErr  error
	entries     []backend.LoadStatusEntry

	mu    sync.Mutex
	calls []string
	reqs  []types.GenerateRequest
}

func (m *mockService) record(s string) {
	m.mu.Lock()
	m.calls = append(m.calls, s)
	m.mu.Unlock()
}

func (m *mockService) ListModels() []types.Model    { return append([]types.Model(nil), m.models...) }
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }

func (m *mockService) Authorize(c permissions.Caller, key permissions.Key) error {
	return permissions.Default.Check(c, key.ID)
}

func (m *mockService) Dispatch(ctx context.Context, req types.GenerateRequest, emit backend.EmitFunc) error {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	for _, o := range m.outputs {
		if err := emit(o); err != nil {
			return err
		}
	}
	return m.dispatchErr
}

func (m *mockService) LoadStatus(id, since int) ([]backend.LoadStatusEntry, int, error) {
	if m.opErr != nil {
		return nil, 0, m.opErr
	}
	if since >= len(m.entries) {
		return nil, since, nil
	}
	return m.entries[since:], len(m.entries), nil
}

func (m *mockService) op(name string, c permissions.Caller, key permissions.Key) error {
	if err := permissions.Default.Check(c, key.ID); err != nil {
		return err
	}
	m.record(name)
	return m.opErr
}

func (m *mockService) Enable(c permissions.Caller, id int) error {
	return m.op("enable", c, permissions.ToggleBackends)
}

func (m *mockService) Disable(c permissions.Caller, id int) error {
	return m.op("disable", c, permissions.ToggleBackends)
}

func (m *mockService) Restart(ctx context.Context, c permissions.Caller, id int) error {
	return m.op("restart", c, permissions.RestartBackends)
}

func (m *mockService) FreeMemory(ctx context.Context, c permissions.Caller, id int, systemRAM bool) (bool, error) {
	if err := m.op("free-memory", c, permissions.ControlMemory); err != nil {
		return false, err
	}
	if m.holdFree {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.freeCtxErr = ctx.Err()
			m.mu.Unlock()
			return false, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return m.freed, nil
}

func (m *mockService) Remove(ctx context.Context, c permissions.Caller, id int) error {
	return m.op("remove", c, permissions.AddRemoveBackends)
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

var testEntries = []backend.LoadStatusEntry{
	{Message: "probing", Time: time.UnixMilli(1000), TrackerIndex: 0},
	{Message: "ready", Time: time.UnixMilli(2000), TrackerIndex: 1},
}
