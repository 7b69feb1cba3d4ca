// Package roster loads the RTU roster file and keeps the codec's server list
// in sync with it while the hub runs.
package roster

import (
	"fmt"
	"os"
	"sync"

	"github.com/gridfabric/telehub/hub/iec104"
	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// RTU is one outstation endpoint.
type RTU struct {
	COA  iec104.CommonAddr `json:"coa"`
	IP   string            `json:"ip"`
	Port int               `json:"port"`
}

// Roster is the configured outstation set.
type Roster struct {
	RTUs []RTU `json:"rtus"`
}

// Load reads and validates a roster file.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return &r, nil
}

func (r *Roster) validate() error {
	seen := map[iec104.CommonAddr]bool{}
	for i, rtu := range r.RTUs {
		if rtu.COA == 0 || rtu.COA >= iec104.GlobalCOA {
			return fmt.Errorf("entry %d: common address %d out of range", i, rtu.COA)
		}
		if seen[rtu.COA] {
			return fmt.Errorf("entry %d: duplicate common address %d", i, rtu.COA)
		}
		seen[rtu.COA] = true
		if rtu.IP == "" {
			return fmt.Errorf("entry %d: missing ip", i)
		}
		if rtu.Port <= 0 || rtu.Port > 65535 {
			return fmt.Errorf("entry %d: port %d out of range", i, rtu.Port)
		}
	}
	return nil
}

// Registrar applies roster entries to the codec, tracking what is already
// registered so reloads only add the difference. The codec has no server
// removal; entries deleted from the file stop being managed on the next
// restart.
type Registrar struct {
	client iec104.Client
	log    *log.Entry

	mu    sync.Mutex
	known map[iec104.CommonAddr]RTU
}

// NewRegistrar wraps a codec client.
func NewRegistrar(client iec104.Client) *Registrar {
	return &Registrar{
		client: client,
		log:    log.WithField("component", "roster"),
		known:  make(map[iec104.CommonAddr]RTU),
	}
}

// Apply registers every roster entry not yet known. Returns the number of
// newly added stations.
func (g *Registrar) Apply(r *Roster) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	added := 0
	for _, rtu := range r.RTUs {
		if cur, ok := g.known[rtu.COA]; ok {
			if cur != rtu {
				g.log.Warnf("RTU %d endpoint changed in roster; restart required to move it", rtu.COA)
			}
			continue
		}
		if err := g.client.AddServer(rtu.IP, rtu.COA, rtu.Port); err != nil {
			g.log.Errorf("register RTU %d at %s:%d: %v", rtu.COA, rtu.IP, rtu.Port, err)
			continue
		}
		g.known[rtu.COA] = rtu
		added++
		g.log.Infof("registered RTU %d at %s:%d", rtu.COA, rtu.IP, rtu.Port)
	}
	return added
}
