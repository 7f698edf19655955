package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	rpcURLEnv   = "ESCROW_RPC_URL"
	rpcTokenEnv = "ESCROW_RPC_TOKEN"
	keyPassEnv  = "ESCROW_KEY_PASS"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = strings.TrimSpace(os.Getenv(rpcTokenEnv))
	rpcCall      = callRPC
	httpClient   = &http.Client{Timeout: 15 * time.Second}
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "escrow":
		return runEscrowCommand(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "transfer":
		return runTransfer(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: escrow-cli [--rpc URL] [--token JWT] <command> [flags]",
		"Commands:",
		"  keygen    --out FILE                    create an encrypted key file",
		"  address   --key FILE                    print the address of a key file",
		"  token     --subject ADDR|--key FILE     issue an RPC bearer token",
		"  escrow    <new|deposit|complete|cancel|get|key|reserved|ledger|events>",
		"  balance   --address ADDR",
		"  transfer  --to ADDR --amount N",
	}, "\n")
}

func defaultRPCEndpoint() string {
	if value := strings.TrimSpace(os.Getenv(rpcURLEnv)); value != "" {
		return value
	}
	return "http://127.0.0.1:8545"
}

// applyGlobalFlags strips --rpc and --token from args wherever they appear.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc" || arg == "--token":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			setGlobal(arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--rpc="):
			setGlobal("--rpc", strings.TrimPrefix(arg, "--rpc="))
		case strings.HasPrefix(arg, "--token="):
			setGlobal("--token", strings.TrimPrefix(arg, "--token="))
		default:
			out = append(out, arg)
		}
	}
	return out, nil
}

func setGlobal(name, value string) {
	if name == "--rpc" {
		rpcEndpoint = strings.TrimSpace(value)
		return
	}
	rpcAuthToken = strings.TrimSpace(value)
}

func callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{},
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		if rpcAuthToken == "" {
			return nil, nil, fmt.Errorf("%s or --token is required for %s", rpcTokenEnv, method)
		}
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

// invoke performs a call and prints its indented result.
func invoke(method string, params interface{}, requireAuth bool, stdout, stderr io.Writer) int {
	result, rpcErr, err := rpcCall(method, params, requireAuth)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(stderr, "Error %d (%s): %s\n", rpcErr.Code, rpcErr.Message, strings.Trim(string(rpcErr.Data), `"`))
		} else {
			fmt.Fprintf(stderr, "Error %d: %s\n", rpcErr.Code, rpcErr.Message)
		}
		return 1
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(stdout, string(result))
		return 0
	}
	fmt.Fprintln(stdout, pretty.String())
	return 0
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}
