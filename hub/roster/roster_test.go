package roster

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeRoster(t, `
rtus:
  - coa: 101
    ip: 10.0.0.7
    port: 2404
  - coa: 102
    ip: 10.0.0.8
    port: 2404
`)
	r, err := Load(path)
	require.NoError(t, err)
	require.Len(t, r.RTUs, 2)
	assert.Equal(t, iec104.CommonAddr(101), r.RTUs[0].COA)
	assert.Equal(t, "10.0.0.8", r.RTUs[1].IP)
}

func TestLoadRejectsBadRosters(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{
			name: "coa zero",
			content: `
rtus:
  - coa: 0
    ip: 10.0.0.7
    port: 2404
`,
		},
		{
			name: "coa is the broadcast address",
			content: `
rtus:
  - coa: 65535
    ip: 10.0.0.7
    port: 2404
`,
		},
		{
			name: "duplicate coa",
			content: `
rtus:
  - coa: 101
    ip: 10.0.0.7
    port: 2404
  - coa: 101
    ip: 10.0.0.8
    port: 2404
`,
		},
		{
			name: "missing ip",
			content: `
rtus:
  - coa: 101
    port: 2404
`,
		},
		{
			name: "port out of range",
			content: `
rtus:
  - coa: 101
    ip: 10.0.0.7
    port: 123456
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeRoster(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

type recordingClient struct {
	mu    sync.Mutex
	added map[iec104.CommonAddr]string
}

func (r *recordingClient) AddServer(ip string, coa iec104.CommonAddr, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.added == nil {
		r.added = make(map[iec104.CommonAddr]string)
	}
	r.added[coa] = ip
	return nil
}

func (r *recordingClient) Send(iec104.CommonAddr, iec104.InfoObjAddr, interface{}, iec104.TypeID, iec104.COT) error {
	return nil
}
func (r *recordingClient) SendSysInfo(iec104.TypeID, iec104.CommonAddr) error { return nil }
func (r *recordingClient) SendParameterActivate(iec104.CommonAddr, iec104.InfoObjAddr, iec104.COT) error {
	return nil
}
func (r *recordingClient) UpdateDataPoint(iec104.CommonAddr, iec104.InfoObjAddr, interface{}) error {
	return nil
}
func (r *recordingClient) Connected(iec104.CommonAddr) bool { return false }
func (r *recordingClient) Start(context.Context) error      { return nil }
func (r *recordingClient) Stop() error                      { return nil }

func TestRegistrarAppliesOnlyNewEntries(t *testing.T) {
	rc := &recordingClient{}
	reg := NewRegistrar(rc)

	first := &Roster{RTUs: []RTU{
		{COA: 101, IP: "10.0.0.7", Port: 2404},
		{COA: 102, IP: "10.0.0.8", Port: 2404},
	}}
	assert.Equal(t, 2, reg.Apply(first))

	// A reload with one addition and one endpoint change adds only the new
	// station; moving a registered one needs a restart.
	second := &Roster{RTUs: []RTU{
		{COA: 101, IP: "10.9.9.9", Port: 2404},
		{COA: 102, IP: "10.0.0.8", Port: 2404},
		{COA: 103, IP: "10.0.0.9", Port: 2404},
	}}
	assert.Equal(t, 1, reg.Apply(second))

	assert.Equal(t, "10.0.0.7", rc.added[101], "endpoint change must not re-register")
	assert.Equal(t, "10.0.0.9", rc.added[103])
}
