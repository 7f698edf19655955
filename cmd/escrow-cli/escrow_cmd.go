package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"escrowledger/crypto"
	"escrowledger/native/bank"
)

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
	switch args[0] {
	case "new":
		return runEscrowNew(args[1:], stdout, stderr)
	case "deposit":
		return runEscrowDeposit(args[1:], stdout, stderr)
	case "complete":
		return runEscrowComplete(args[1:], stdout, stderr)
	case "cancel":
		return runEscrowCancel(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "key":
		return runEscrowKey(args[1:], stdout, stderr)
	case "reserved":
		return runEscrowReserved(args[1:], stdout, stderr)
	case "ledger":
		return invoke("escrow_ledgerAddress", nil, false, stdout, stderr)
	case "events":
		return runEscrowEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func escrowUsage() string {
	return strings.Join([]string{
		"Usage: escrow-cli escrow <subcommand> [flags]",
		"Subcommands:",
		"  new       --buyer ADDR --seller ADDR --arbiter ADDR --item N --price N [--caller ADDR]",
		"  deposit   --item N --amount N [--caller ADDR]",
		"  complete  --buyer ADDR --item N [--caller ADDR]",
		"  cancel    --item N [--caller ADDR]",
		"  get       --key 0xKEY | --buyer ADDR --item N",
		"  key       --buyer ADDR --item N",
		"  reserved  --item N",
		"  ledger",
		"  events    [--after N] [--limit N]",
	}, "\n")
}

func runEscrowNew(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow new", stderr)
	var buyer, seller, arbiter, item, price, caller string
	fs.StringVar(&buyer, "buyer", "", "buyer address")
	fs.StringVar(&seller, "seller", "", "seller address")
	fs.StringVar(&arbiter, "arbiter", "", "arbiter address")
	fs.StringVar(&item, "item", "", "item identifier")
	fs.StringVar(&price, "price", "", "price in base units (decimal or 0x hex)")
	fs.StringVar(&caller, "caller", "", "act as this account (operator tokens only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	for _, f := range []struct{ name, value string }{{"--buyer", buyer}, {"--seller", seller}, {"--arbiter", arbiter}, {"--caller", caller}} {
		if err := validateAddress(f.name, f.value, f.name == "--caller"); err != nil {
			return printError(stderr, err.Error())
		}
	}
	itemID, err := parseItem(item)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAmount("--price", price); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"buyer":   buyer,
		"seller":  seller,
		"arbiter": arbiter,
		"itemId":  itemID,
		"price":   price,
	}
	if caller != "" {
		params["caller"] = caller
	}
	return invoke("escrow_new", params, true, stdout, stderr)
}

func runEscrowDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow deposit", stderr)
	var item, amount, caller string
	fs.StringVar(&item, "item", "", "item identifier")
	fs.StringVar(&amount, "amount", "", "amount in base units (decimal or 0x hex)")
	fs.StringVar(&caller, "caller", "", "act as this account (operator tokens only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	itemID, err := parseItem(item)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAmount("--amount", amount); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--caller", caller, true); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{"itemId": itemID, "amount": amount}
	if caller != "" {
		params["caller"] = caller
	}
	return invoke("escrow_deposit", params, true, stdout, stderr)
}

func runEscrowComplete(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow complete", stderr)
	var buyer, item, caller string
	fs.StringVar(&buyer, "buyer", "", "buyer address")
	fs.StringVar(&item, "item", "", "item identifier")
	fs.StringVar(&caller, "caller", "", "act as this account (operator tokens only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--buyer", buyer, false); err != nil {
		return printError(stderr, err.Error())
	}
	itemID, err := parseItem(item)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--caller", caller, true); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{"buyer": buyer, "itemId": itemID}
	if caller != "" {
		params["caller"] = caller
	}
	return invoke("escrow_complete", params, true, stdout, stderr)
}

func runEscrowCancel(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow cancel", stderr)
	var item, caller string
	fs.StringVar(&item, "item", "", "item identifier")
	fs.StringVar(&caller, "caller", "", "act as this account (operator tokens only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	itemID, err := parseItem(item)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--caller", caller, true); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{"itemId": itemID}
	if caller != "" {
		params["caller"] = caller
	}
	return invoke("escrow_cancel", params, true, stdout, stderr)
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow get", stderr)
	var key, buyer, item string
	fs.StringVar(&key, "key", "", "0x-prefixed purchase key")
	fs.StringVar(&buyer, "buyer", "", "buyer address")
	fs.StringVar(&item, "item", "", "item identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if key == "" {
		if err := validateAddress("--buyer", buyer, false); err != nil {
			return printError(stderr, "--key or --buyer with --item is required")
		}
		itemID, err := parseItem(item)
		if err != nil {
			return printError(stderr, err.Error())
		}
		result, rpcErr, err := rpcCall("escrow_purchaseKey", map[string]interface{}{"buyer": buyer, "itemId": itemID}, false)
		if err != nil {
			return printError(stderr, err.Error())
		}
		if rpcErr != nil {
			return printError(stderr, rpcErr.Message)
		}
		key, err = decodeKey(result)
		if err != nil {
			return printError(stderr, err.Error())
		}
	}
	if err := validateKey(key); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("escrow_getPurchase", map[string]string{"key": key}, false, stdout, stderr)
}

func runEscrowKey(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow key", stderr)
	var buyer, item string
	fs.StringVar(&buyer, "buyer", "", "buyer address")
	fs.StringVar(&item, "item", "", "item identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--buyer", buyer, false); err != nil {
		return printError(stderr, err.Error())
	}
	itemID, err := parseItem(item)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("escrow_purchaseKey", map[string]interface{}{"buyer": buyer, "itemId": itemID}, false, stdout, stderr)
}

func runEscrowReserved(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow reserved", stderr)
	item := fs.String("item", "", "item identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	itemID, err := parseItem(*item)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("escrow_isItemReserved", map[string]interface{}{"itemId": itemID}, false, stdout, stderr)
}

func runEscrowEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow events", stderr)
	after := fs.Int64("after", 0, "return events with a sequence above this cursor")
	limit := fs.Int("limit", 100, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *after < 0 || *limit < 0 {
		return printError(stderr, "--after and --limit must be non-negative")
	}
	return invoke("escrow_listEvents", map[string]interface{}{"after": *after, "limit": *limit}, false, stdout, stderr)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	address := fs.String("address", "", "account address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--address", *address, false); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("bank_getBalance", map[string]string{"address": *address}, false, stdout, stderr)
}

func runTransfer(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("transfer", stderr)
	to := fs.String("to", "", "recipient address")
	amount := fs.String("amount", "", "amount in base units (decimal or 0x hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := validateAddress("--to", *to, false); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAmount("--amount", *amount); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("bank_transfer", map[string]string{"to": *to, "amount": *amount}, true, stdout, stderr)
}

func validateAddress(flagName, value string, optional bool) error {
	if strings.TrimSpace(value) == "" {
		if optional {
			return nil
		}
		return fmt.Errorf("%s is required", flagName)
	}
	if _, err := crypto.ParseAddress(value); err != nil {
		return fmt.Errorf("%s: %v", flagName, err)
	}
	return nil
}

func validateAmount(flagName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", flagName)
	}
	if _, err := bank.ParseAmount(value); err != nil {
		return fmt.Errorf("%s: %v", flagName, err)
	}
	return nil
}

func parseItem(value string) (uint64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, fmt.Errorf("--item is required")
	}
	itemID, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("--item must be an unsigned integer")
	}
	return itemID, nil
}

func validateKey(value string) error {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return fmt.Errorf("--key must be a 0x-prefixed 32-byte hex string")
	}
	cleaned := trimmed[2:]
	if len(cleaned) != 64 {
		return fmt.Errorf("--key must be a 0x-prefixed 32-byte hex string")
	}
	for _, r := range cleaned {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return fmt.Errorf("--key must contain only hexadecimal characters")
		}
	}
	return nil
}

func decodeKey(result json.RawMessage) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("decode purchase key: %w", err)
	}
	return out.Key, nil
}
