// Command ntm-tablet is the tablet side of the protocol: it activates the
// tablet against a local server with a one-time code and makes signed
// requests with the stored key.
//
// Usage:
//
//	ntm-tablet activate --code ABC12345
//	ntm-tablet me
//	ntm-tablet list
//	ntm-tablet get <id>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/pflag"

	"nodetrust.mini/ntm/internal/apierr"
	"nodetrust.mini/ntm/internal/claimant"
	"nodetrust.mini/ntm/internal/credentials"
	"nodetrust.mini/ntm/internal/signing"
	"nodetrust.mini/ntm/internal/upstream"
)

type options struct {
	server      string
	credentials string
	timeout     time.Duration
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	fs := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	var opts options
	fs.StringVarP(&opts.server, "server", "s", envOr("NTM_SERVER_URL", "http://localhost:8080"), "Local server base URL")
	fs.StringVar(&opts.credentials, "credentials", envOr("NTM_TABLET_CREDENTIALS", ".ntm-tablet.json"), "Path to the tablet credentials file")
	fs.DurationVar(&opts.timeout, "timeout", upstream.DefaultTimeout, "Request timeout")
	code := fs.String("code", "", "Activation code (activate only)")
	fs.Parse(args)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	creds := credentials.NewFile(opts.credentials)
	signer := signing.NewSigner(creds, signing.TabletHeaders, nil)
	client := upstream.NewClient(opts.server, upstream.TabletActivation, signer, opts.timeout)
	ctx := context.Background()

	var err error
	switch cmd {
	case "activate":
		var tabletID string
		tabletID, err = claimant.New(client, creds, opts.timeout, log).ActivateSelf(ctx, *code)
		if err == nil {
			printJSON(map[string]string{"tablet_id": tabletID, "credentials": creds.Path()})
		}
	case "me":
		err = getAndPrint(ctx, client, "/api/tablets/me")
	case "list":
		err = getAndPrint(ctx, client, "/api/tablets")
	case "get":
		if fs.NArg() != 1 {
			usage()
			os.Exit(2)
		}
		err = getAndPrint(ctx, client, "/api/tablets/"+url.PathEscape(fs.Arg(0)))
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Error(cmd+" failed", "kind", apierr.KindOf(err), "error", err)
		if cmd == "activate" {
			fmt.Fprintln(os.Stderr, activationAdvice(err))
		}
		os.Exit(1)
	}
}

// activationAdvice tells the operator whether to retry with the same code.
func activationAdvice(err error) string {
	if apierr.Retryable(err) {
		return "The code was not consumed; retry activate with the same code."
	}
	if apierr.KindOf(err) == apierr.KindAlreadyActivated {
		return "This tablet already has credentials; remove the credentials file to enrol it again."
	}
	return "The code was rejected; ask for a new activation code."
}

func getAndPrint(ctx context.Context, client *upstream.Client, path string) error {
	var out json.RawMessage
	if err := client.Do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ntm-tablet <activate --code CODE | me | list | get ID> [--server URL] [--credentials FILE]")
}
