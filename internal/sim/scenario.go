// Package sim generates rental workloads for load simulation.
package sim

import (
	"fmt"
	"math/rand"
	"time"

	"mediaart.org/internal/protocol"
)

type Account struct {
	Address protocol.Address
	Label   string
	// Deposit is the escrow top-up made before each cycle as renter.
	Deposit int64
}

// Cycle is one full rental: mint, rent, handshake and settlement.
type Cycle struct {
	Owner    Account
	Renter   Account
	Preview  string
	Dir      string
	Name     string
	Rent     int64
	Duration time.Duration
	// Mismatch makes the renter confirm a wrong locator first.
	Mismatch bool
}

// FinalURI is the locator published on settlement.
func (c Cycle) FinalURI() string { return c.Dir + c.Name }

type Scenario struct {
	Name     string
	Accounts []Account
	Works    []string

	// MismatchRate is the share of cycles that start with a wrong commitment.
	MismatchRate float64
}

func GalleryScenario() Scenario {
	return Scenario{
		Name: "GalleryWeekend",
		Accounts: []Account{
			{Address: "gallery-north", Label: "North Gallery", Deposit: 50_000},
			{Address: "gallery-south", Label: "South Gallery", Deposit: 50_000},
			{Address: "collector-ana", Label: "Private collector", Deposit: 20_000},
			{Address: "studio-kai", Label: "Artist studio", Deposit: 10_000},
		},
		Works: []string{
			"night-harbour.png",
			"field-study-03.mp4",
			"glass-garden.glb",
			"untitled-loop.gif",
		},
		MismatchRate: 0.1,
	}
}

type Generator struct {
	scenario Scenario
	rnd      *rand.Rand
}

func NewGenerator(seed int64) Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return Generator{scenario: GalleryScenario(), rnd: rand.New(rand.NewSource(seed))}
}

// NextCycle picks distinct owner and renter accounts. Rent never exceeds
// the renter's deposit, so a cycle can always settle.
func (g Generator) NextCycle() Cycle {
	accs := g.scenario.Accounts
	if len(accs) < 2 {
		panic("scenario requires >=2 accounts")
	}
	ownerIdx := g.rnd.Intn(len(accs))
	renterIdx := g.rnd.Intn(len(accs) - 1)
	if renterIdx >= ownerIdx {
		renterIdx++
	}
	owner, renter := accs[ownerIdx], accs[renterIdx]
	work := g.scenario.Works[g.rnd.Intn(len(g.scenario.Works))]
	bucket := fmt.Sprintf("ipfs://vault-%08x/", g.rnd.Uint32())
	return Cycle{
		Owner:    owner,
		Renter:   renter,
		Preview:  "ipfs://preview/" + work,
		Dir:      bucket,
		Name:     work,
		Rent:     int64(g.rnd.Intn(int(renter.Deposit))) + 1,
		Duration: time.Duration(1+g.rnd.Intn(72)) * time.Hour,
		Mismatch: g.rnd.Float64() < g.scenario.MismatchRate,
	}
}

func (g Generator) Accounts() []Account {
	return append([]Account(nil), g.scenario.Accounts...)
}

func (g *Generator) OverrideAccounts(accounts []Account) {
	g.scenario.Accounts = append([]Account(nil), accounts...)
}
