package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"bringyour.com/livedoc"
	"bringyour.com/livedoc/reactive"
	"bringyour.com/livedoc/remote"
)

const LivedocCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Livedoc control.

Usage:
    livedocctl mint-jwt --user_id=<user_id>
        --store_name=<store_name>
        [--client_id=<client_id>]
        [--secret=<secret>]
    livedocctl get --url=<url> --jwt=<jwt> <path>
    livedocctl watch --url=<url> --jwt=<jwt> <path>
    livedocctl watch-query --url=<url> --jwt=<jwt> <collection>
        [--where=<where>...]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --url=<url>                Gateway websocket url, e.g. wss://docs.example.com/ws
    --jwt=<jwt>                Your gateway JWT.
    --user_id=<user_id>
    --store_name=<store_name>
    --client_id=<client_id>
    --secret=<secret>          HS256 secret. Prompted when omitted.
    --where=<where>            Filter clause as field:op:value, e.g. state:==:active`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LivedocCtlVersion)
	if err != nil {
		panic(err)
	}

	if mintJwt_, _ := opts.Bool("mint-jwt"); mintJwt_ {
		mintJwt(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if watchQuery_, _ := opts.Bool("watch-query"); watchQuery_ {
		watchQuery(opts)
	}
}

func mintJwt(opts docopt.Opts) {
	userIdStr, _ := opts.String("--user_id")
	userId, err := livedoc.ParseId(userIdStr)
	if err != nil {
		panic(err)
	}
	storeName, _ := opts.String("--store_name")
	clientId := livedoc.NewId()
	if clientIdStr, err := opts.String("--client_id"); err == nil && clientIdStr != "" {
		clientId, err = livedoc.ParseId(clientIdStr)
		if err != nil {
			panic(err)
		}
	}

	secret, err := opts.String("--secret")
	if err != nil || secret == "" {
		fmt.Fprint(os.Stderr, "Secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
	}

	byJwt, err := remote.SignByJwt([]byte(secret), &remote.ByJwt{
		UserId:    userId,
		StoreName: storeName,
		ClientId:  clientId,
	})
	if err != nil {
		panic(err)
	}
	Out.Printf("%s\n", byJwt)
}

func newClient(opts docopt.Opts) *remote.Client {
	url, _ := opts.String("--url")
	byJwt, _ := opts.String("--jwt")
	client, err := remote.NewClientWithDefaults(
		context.Background(),
		url,
		&remote.ClientAuth{
			ByJwt:      byJwt,
			AppVersion: LivedocCtlVersion,
		},
	)
	if err != nil {
		panic(err)
	}
	return client
}

func get(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()
	path, _ := opts.String("<path>")

	handle := livedoc.GetDoc(context.Background(), client.Doc(path), nil)
	defer handle.Disconnect()

	waitSettled(handle.Loading)
	printDoc(handle)
}

func watch(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()
	path, _ := opts.String("<path>")

	handle := livedoc.WatchDoc(context.Background(), client.Doc(path), nil)
	defer handle.Disconnect()

	stop := reactive.Run(func() {
		if handle.Loading() {
			return
		}
		printDoc(handle)
	})
	defer stop()

	waitForInterrupt()
}

func watchQuery(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()
	collection, _ := opts.String("<collection>")
	whereStrs, _ := opts["--where"].([]string)

	where := []remote.WhereClause{}
	for _, whereStr := range whereStrs {
		where = append(where, parseWhere(whereStr))
	}

	handle := livedoc.WatchQuery(context.Background(), client.Query(collection, where...), nil)
	defer handle.Disconnect()

	stop := reactive.Run(func() {
		if handle.Loading() {
			return
		}
		if err := handle.Err(); err != nil {
			Err.Printf("error: %v\n", err)
			return
		}
		items := handle.Items()
		Out.Printf("%d docs:\n", len(items))
		for _, item := range items {
			Out.Printf("  %s %s\n", item.Ref().Path(), formatData(item.Data()))
		}
	})
	defer stop()

	waitForInterrupt()
}

// field:op:value, value parsed as JSON with a string fallback
func parseWhere(whereStr string) remote.WhereClause {
	parts := strings.SplitN(whereStr, ":", 3)
	if len(parts) != 3 {
		panic(fmt.Errorf("bad where clause: %s", whereStr))
	}
	var value any
	if err := json.Unmarshal([]byte(parts[2]), &value); err != nil {
		value = parts[2]
	}
	return remote.WhereClause{
		Field: parts[0],
		Op:    parts[1],
		Value: value,
	}
}

func printDoc(handle *livedoc.DocHandle) {
	if err := handle.Err(); err != nil {
		Err.Printf("error: %v\n", err)
		return
	}
	snapshot := handle.Snapshot()
	if snapshot == nil {
		return
	}
	if !snapshot.Exists() {
		Out.Printf("%s (missing)\n", snapshot.Ref().Path())
		return
	}
	Out.Printf("%s %s\n", snapshot.Ref().Path(), formatData(handle.Data()))
	for _, record := range handle.SubDocs() {
		Out.Printf("  ref at %s -> %s\n", record, record.Ref().Path())
	}
}

func formatData(data livedoc.Document) string {
	encoded, err := remote.EncodeDocument(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(encoded)
}

func waitSettled(loading func() bool) {
	done := make(chan struct{})
	stop := reactive.Run(func() {
		if !loading() {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	<-done
	stop()
}

func waitForInterrupt() {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-interrupt
}
