package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"paychain/crypto"
	"paychain/native/payments"
	"paychain/sdk/payclient"
)

const defaultRPC = "http://127.0.0.1:8645"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "address":
		err = runAddress(os.Args[2:])
	case "derive":
		err = runDerive(os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "complete":
		err = runComplete(os.Args[2:])
	case "cancel":
		err = runCancel(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "balance":
		err = runBalance(os.Args[2:])
	case "faucet":
		err = runFaucet(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: pay-cli <command> [flags]

commands:
  keygen    generate a keypair and write it to an encrypted keystore
  address   print the identity stored in a keystore
  derive    print the escrow address for (payer, payment id)
  init      reserve funds against a new payment
  complete  release escrowed funds to the recorded recipient
  cancel    return escrowed funds to the payer
  status    show a payment record
  balance   show an account balance
  faucet    request local-network funds`)
}

func readPassphrase(confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, "passphrase: ")
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if confirm {
		fmt.Fprint(os.Stderr, "confirm passphrase: ")
		again, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if string(pass) != string(again) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return string(pass), nil
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	pass, err := readPassphrase(false)
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func fetchNonce(ctx context.Context, client *payclient.Client, addr crypto.Address) (uint64, error) {
	bal, err := client.GetBalance(ctx, addr)
	if err != nil {
		return 0, err
	}
	return bal.Nonce, nil
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	keystorePath := fs.String("keystore", "./key.json", "keystore output path")
	fs.Parse(args)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pass, err := readPassphrase(true)
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return err
	}
	fmt.Println(key.PubKey().Address().String())
	return nil
}

func runAddress(args []string) error {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	keystorePath := fs.String("keystore", "./key.json", "keystore path")
	fs.Parse(args)

	key, err := loadKey(*keystorePath)
	if err != nil {
		return err
	}
	fmt.Println(key.PubKey().Address().String())
	return nil
}

func runDerive(args []string) error {
	fs := flag.NewFlagSet("derive", flag.ExitOnError)
	payerStr := fs.String("payer", "", "payer identity (bech32)")
	paymentID := fs.String("id", "", "payment id")
	fs.Parse(args)

	payer, err := crypto.DecodeAddress(*payerStr)
	if err != nil {
		return err
	}
	addr, err := payments.DeriveAddress(payer.Raw(), *paymentID)
	if err != nil {
		return err
	}
	fmt.Println(crypto.MustNewAddress(crypto.PayPrefix, addr[:]).String())
	return nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	keystorePath := fs.String("keystore", "./key.json", "keystore path")
	rpcURL := fs.String("rpc", defaultRPC, "node RPC base URL")
	toStr := fs.String("to", "", "recipient identity (bech32)")
	amount := fs.Uint64("amount", 0, "amount to reserve")
	paymentID := fs.String("id", "", "payment id (defaults to a random uuid)")
	fs.Parse(args)

	recipient, err := crypto.DecodeAddress(*toStr)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	id := *paymentID
	if id == "" {
		id = uuid.NewString()
	}
	key, err := loadKey(*keystorePath)
	if err != nil {
		return err
	}

	ctx, cancel := callCtx()
	defer cancel()
	client := payclient.New(*rpcURL)
	nonce, err := fetchNonce(ctx, client, key.PubKey().Address())
	if err != nil {
		return err
	}
	p, err := client.Initialize(ctx, key, recipient.Raw(), *amount, id, nonce)
	if err != nil {
		return err
	}
	printPayment(p)
	return nil
}

func runComplete(args []string) error {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	keystorePath := fs.String("keystore", "./key.json", "keystore path")
	rpcURL := fs.String("rpc", defaultRPC, "node RPC base URL")
	toStr := fs.String("to", "", "recipient identity recorded at creation (bech32)")
	paymentID := fs.String("id", "", "payment id")
	fs.Parse(args)

	recipient, err := crypto.DecodeAddress(*toStr)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	key, err := loadKey(*keystorePath)
	if err != nil {
		return err
	}

	ctx, cancel := callCtx()
	defer cancel()
	client := payclient.New(*rpcURL)
	nonce, err := fetchNonce(ctx, client, key.PubKey().Address())
	if err != nil {
		return err
	}
	p, err := client.Complete(ctx, key, recipient.Raw(), *paymentID, nonce)
	if err != nil {
		return err
	}
	printPayment(p)
	return nil
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	keystorePath := fs.String("keystore", "./key.json", "keystore path")
	rpcURL := fs.String("rpc", defaultRPC, "node RPC base URL")
	paymentID := fs.String("id", "", "payment id")
	fs.Parse(args)

	key, err := loadKey(*keystorePath)
	if err != nil {
		return err
	}

	ctx, cancel := callCtx()
	defer cancel()
	client := payclient.New(*rpcURL)
	nonce, err := fetchNonce(ctx, client, key.PubKey().Address())
	if err != nil {
		return err
	}
	p, err := client.Cancel(ctx, key, *paymentID, nonce)
	if err != nil {
		return err
	}
	printPayment(p)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	rpcURL := fs.String("rpc", defaultRPC, "node RPC base URL")
	payerStr := fs.String("payer", "", "payer identity (bech32)")
	paymentID := fs.String("id", "", "payment id")
	fs.Parse(args)

	payer, err := crypto.DecodeAddress(*payerStr)
	if err != nil {
		return err
	}
	ctx, cancel := callCtx()
	defer cancel()
	p, err := payclient.New(*rpcURL).GetPayment(ctx, payer, *paymentID)
	if err != nil {
		return err
	}
	printPayment(p)
	return nil
}

func runBalance(args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	rpcURL := fs.String("rpc", defaultRPC, "node RPC base URL")
	addrStr := fs.String("address", "", "identity (bech32)")
	fs.Parse(args)

	addr, err := crypto.DecodeAddress(*addrStr)
	if err != nil {
		return err
	}
	ctx, cancel := callCtx()
	defer cancel()
	bal, err := payclient.New(*rpcURL).GetBalance(ctx, addr)
	if err != nil {
		return err
	}
	fmt.Printf("address:  %s\nbalance:  %s\nnonce:    %d\n", bal.Address, bal.Balance, bal.Nonce)
	return nil
}

func runFaucet(args []string) error {
	fs := flag.NewFlagSet("faucet", flag.ExitOnError)
	rpcURL := fs.String("rpc", defaultRPC, "node RPC base URL")
	addrStr := fs.String("address", "", "identity (bech32)")
	fs.Parse(args)

	addr, err := crypto.DecodeAddress(*addrStr)
	if err != nil {
		return err
	}
	ctx, cancel := callCtx()
	defer cancel()
	return payclient.New(*rpcURL).FaucetCredit(ctx, addr)
}

func printPayment(p *payclient.Payment) {
	fmt.Printf("address:    %s\npayer:      %s\nrecipient:  %s\namount:     %s\nid:         %s\nstatus:     %s\ncreated:    %d\n",
		p.Address, p.Payer, p.Recipient, p.Amount, p.PaymentID, p.Status, p.Timestamp)
}
