package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mediaart.org/internal/protocol"
	"mediaart.org/internal/sim"
	"mediaart.org/internal/wallet"
)

// statusError carries the HTTP status of a failed call.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string { return fmt.Sprintf("%d %s", e.status, e.body) }

// actor is one simulated account: an API token plus a wallet session.
type actor struct {
	addr    protocol.Address
	token   string
	keyring *wallet.Keyring
	sess    *wallet.Session
	pub     []byte
}

type client struct {
	base string
	http *http.Client
}

func main() {
	var (
		baseURL  = flag.String("base-url", "http://localhost:8080", "API base URL")
		workers  = flag.Int("workers", 4, "Concurrent worker count")
		duration = flag.Duration("duration", 2*time.Minute, "Duration of the simulation")
		seed     = flag.Int64("seed", 0, "Workload seed, 0 for time based")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("Launching rental load: base=%s workers=%d duration=%s", *baseURL, *workers, *duration)

	c := &client{base: *baseURL, http: &http.Client{Timeout: 10 * time.Second}}
	generator := sim.NewGenerator(*seed)

	actors := make(map[protocol.Address]*actor)
	for _, acc := range generator.Accounts() {
		a, err := c.enroll(ctx, acc.Address)
		if err != nil {
			log.Fatalf("enroll %s: %v", acc.Address, err)
		}
		actors[acc.Address] = a
	}

	var (
		counter     sim.Counter
		genMu       sync.Mutex
		failures    int64
		conflicts   int64
		rateLimited int64
		serverErrs  int64
		wg          sync.WaitGroup
	)
	deadline := time.Now().Add(*duration)

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id*9973)))
			for time.Now().Before(deadline) {
				if ctx.Err() != nil {
					return
				}
				genMu.Lock()
				cy := generator.NextCycle()
				genMu.Unlock()

				err := c.runCycle(ctx, cy, actors[cy.Owner.Address], actors[cy.Renter.Address])
				if err == nil {
					counter.Add(cy)
					time.Sleep(time.Duration(50+rnd.Intn(120)) * time.Millisecond)
					continue
				}
				atomic.AddInt64(&failures, 1)
				var se *statusError
				switch {
				case errors.As(err, &se) && se.status == http.StatusConflict:
					atomic.AddInt64(&conflicts, 1)
				case errors.As(err, &se) && se.status == http.StatusTooManyRequests:
					atomic.AddInt64(&rateLimited, 1)
					time.Sleep(250 * time.Millisecond)
				case ctx.Err() != nil:
					return
				default:
					atomic.AddInt64(&serverErrs, 1)
					log.Printf("worker %d cycle failed: %v", id, err)
					time.Sleep(200 * time.Millisecond)
				}
			}
		}(i)
	}

	wg.Wait()

	t := counter.Totals()
	log.Printf("Run complete: %d cycles settled / %d failed (conflicts=%d, rate_limited=%d, other=%d), %d minor units settled, %d mismatched commitments retried",
		t.Cycles, failures, conflicts, rateLimited, serverErrs, t.Settled, t.Mismatches)
}

// enroll obtains a token for addr, opens a wallet for it and publishes its
// encryption key.
func (c *client) enroll(ctx context.Context, addr protocol.Address) (*actor, error) {
	var tok struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/auth/token", "", map[string]any{"address": addr}, &tok); err != nil {
		return nil, err
	}
	if tok.Token == "" {
		return nil, errors.New("empty token returned")
	}

	keyring := wallet.NewKeyring(nil)
	if err := keyring.AddAccount(addr); err != nil {
		return nil, err
	}
	sess, err := keyring.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	pub, err := keyring.PublicKey(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := c.call(ctx, http.MethodPut, "/v1/keys", tok.Token, map[string]any{"public_key": pub}, nil); err != nil {
		return nil, err
	}
	return &actor{addr: addr, token: tok.Token, keyring: keyring, sess: sess, pub: pub}, nil
}

func (c *client) runCycle(ctx context.Context, cy sim.Cycle, owner, renter *actor) error {
	var minted protocol.Token
	if err := c.call(ctx, http.MethodPost, "/v1/tokens", owner.token, map[string]any{"uri": cy.Preview}, &minted); err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	base := "/v1/tokens/" + strconv.FormatUint(uint64(minted.ID), 10)

	steps := []struct {
		name string
		as   *actor
		path string
		body any
	}{
		{"assign renter", owner, base + "/renter", map[string]any{"renter": renter.addr, "duration_seconds": int64(cy.Duration / time.Second)}},
		{"deposit", renter, "/v1/escrow/deposit", map[string]any{"amount": cy.Rent}},
	}
	for _, s := range steps {
		if err := c.call(ctx, http.MethodPost, s.path, s.as.token, s.body, nil); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	for _, pair := range [][2]*actor{{owner, renter}, {renter, owner}} {
		from, to := pair[0], pair[1]
		ct, err := from.keyring.Encrypt(ctx, from.sess, to.pub, []byte("hello from "+string(from.addr)))
		if err != nil {
			return err
		}
		if err := c.call(ctx, http.MethodPost, base+"/handshake/phrase", from.token, map[string]any{"ciphertext": ct}, nil); err != nil {
			return fmt.Errorf("phrase: %w", err)
		}
	}

	hash := func(uri string) string { return "0x" + hex.EncodeToString(wallet.Commit(uri)) }
	if err := c.call(ctx, http.MethodPost, base+"/handshake/owner-confirm", owner.token, map[string]any{"amount": cy.Rent}, nil); err != nil {
		return fmt.Errorf("owner confirm: %w", err)
	}
	if err := c.call(ctx, http.MethodPost, base+"/handshake/proposed-uri", owner.token, map[string]any{"hash": hash(cy.FinalURI())}, nil); err != nil {
		return fmt.Errorf("propose uri: %w", err)
	}
	if cy.Mismatch {
		if err := c.call(ctx, http.MethodPost, base+"/handshake/user-confirm", renter.token, map[string]any{"hash": hash(cy.Dir + "wrong-" + cy.Name)}, nil); err != nil {
			return fmt.Errorf("user confirm: %w", err)
		}
	}
	if err := c.call(ctx, http.MethodPost, base+"/handshake/user-confirm", renter.token, map[string]any{"hash": hash(cy.FinalURI())}, nil); err != nil {
		return fmt.Errorf("user confirm: %w", err)
	}
	if err := c.call(ctx, http.MethodPost, base+"/finalize", renter.token, map[string]any{"amount": cy.Rent, "uri": cy.FinalURI()}, nil); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

func (c *client) call(ctx context.Context, method, path, token string, body, out any) error {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Code string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &statusError{status: resp.StatusCode, body: e.Code}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
