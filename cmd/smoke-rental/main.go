package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"mediaart.org/internal/auth"
	"mediaart.org/internal/ids"
	"mediaart.org/internal/participant"
	"mediaart.org/internal/protocol"
	"mediaart.org/internal/rental/remote"
	"mediaart.org/internal/wallet"
)

const rent = 420

func main() {
	addr := os.Getenv("MEDIAART_GRPC_ADDR")
	if addr == "" {
		addr = "localhost:9090"
	}
	secret, err := auth.SecretFromEnv()
	if err != nil {
		log.Fatalf("auth secret: %v", err)
	}
	signer, err := auth.NewSigner(secret)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	client, err := remote.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial %s: %v", addr, err)
	}
	defer client.Close()
	svc := remote.NewService(client, remote.SignerTokens(signer, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Fresh addresses keep repeated runs against one server independent.
	run := ids.New()
	ownerAddr := protocol.NormalizeAddress("owner-" + run)
	renterAddr := protocol.NormalizeAddress("renter-" + run)
	owner := connect(ctx, svc, ownerAddr)
	renter := connect(ctx, svc, renterAddr)

	must("register owner key", owner.RegisterKey(ctx))
	must("register renter key", renter.RegisterKey(ctx))

	id, err := svc.Mint(ctx, ownerAddr, "ipfs://preview/"+run)
	must("mint", err)
	must("assign renter", svc.AssignRenter(ctx, id, ownerAddr, renterAddr, time.Now().Add(time.Hour)))
	_, err = svc.Deposit(ctx, renterAddr, rent)
	must("deposit", err)

	must("owner phrase", owner.SendPhrase(ctx, id, "owner says hi"))
	must("renter phrase", renter.SendPhrase(ctx, id, "renter says hi"))
	got, err := renter.ReadPhrase(ctx, id)
	must("read phrase", err)
	if got != "owner says hi" {
		log.Fatalf("phrase mismatch: %q", got)
	}

	must("confirm rent", owner.ConfirmRent(ctx, id, rent))
	_, err = owner.ProposeURI(ctx, id, "ipfs://vault/", run+".png")
	must("propose uri", err)
	match, err := renter.ConfirmURI(ctx, id, "ipfs://vault/", run+".png")
	must("confirm uri", err)
	if !match {
		log.Fatal("commitments do not match")
	}

	final := "ipfs://vault/" + run + ".png"
	published, err := renter.Settle(ctx, id, rent, final)
	must("finalize", err)
	if published != final {
		log.Fatalf("unexpected uri %q", published)
	}

	ownerBal, err := svc.BalanceOf(ctx, ownerAddr)
	must("owner balance", err)
	renterBal, err := svc.BalanceOf(ctx, renterAddr)
	must("renter balance", err)
	if ownerBal != rent || renterBal != 0 {
		log.Fatalf("escrow not conserved: owner=%d renter=%d", ownerBal, renterBal)
	}
	tok, err := svc.Token(ctx, id)
	must("token", err)
	if tok.PublicURI != final {
		log.Fatalf("token uri not published: %q", tok.PublicURI)
	}

	fmt.Printf("rental smoke test passed: token=%d owner=%s renter=%s\n", id, ownerAddr, renterAddr)
}

func connect(ctx context.Context, svc *remote.Service, addr protocol.Address) *participant.Participant {
	keyring := wallet.NewKeyring(nil)
	must("add account", keyring.AddAccount(addr))
	sess, err := keyring.Connect(ctx, addr)
	must("connect wallet", err)
	return participant.New(svc, keyring, sess)
}

func must(step string, err error) {
	if err != nil {
		log.Fatalf("%s: %v", step, err)
	}
}
