// Command subfu serves a demo GraphQL schema over every supported transport, or subscribes to a
// GraphQL server and prints the results.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ccbrown/subfu"
	"github.com/ccbrown/subfu/client"
	"github.com/ccbrown/subfu/executor/graphqlgo"
)

const usage = `usage: subfu <command> [flags]

commands:
  serve      serve the demo schema
  subscribe  run an operation against a server and print the results
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "subscribe":
		err = subscribe(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		logrus.Fatal(err)
	}
}

// newConfig binds the flags to a viper instance that also reads SUBFU_* environment variables.
func newConfig(flags *pflag.FlagSet, args []string) (*viper.Viper, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	conf := viper.New()
	if err := conf.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "unable to bind flags")
	}
	conf.SetEnvPrefix("SUBFU")
	conf.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	conf.AutomaticEnv()

	level, err := logrus.ParseLevel(conf.GetString("log-level"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	logrus.SetLevel(level)
	return conf, nil
}

func serve(args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ExitOnError)
	flags.String("addr", ":8080", "the address to listen on")
	flags.String("log-level", "info", "the log level")
	flags.String("auth-token", "", "if given, clients must send this as the connection init payload's authToken")
	flags.Duration("init-timeout", 10*time.Second, "the time clients have to initialize connections")
	flags.Duration("keep-alive", 15*time.Second, "the keep-alive interval")
	flags.Int("send-buffer", 100, "the number of messages that may be queued per connection")
	flags.Int64("persisted-query-cache-bytes", 1<<20, "the size of the persisted query cache, or 0 to disable persisted queries")
	conf, err := newConfig(flags, args)
	if err != nil {
		return err
	}

	schema, err := demoSchema()
	if err != nil {
		return errors.Wrap(err, "unable to build schema")
	}

	cfg := &subfu.Config{
		Logger: logrus.StandardLogger(),
		Executor: &graphqlgo.Executor{
			Schema: schema,
		},
		ConnectionInitTimeout: conf.GetDuration("init-timeout"),
		KeepAliveInterval:     conf.GetDuration("keep-alive"),
		SendBufferSize:        conf.GetInt("send-buffer"),
		WebSocketOriginCheck: func(r *http.Request) bool {
			return true
		},
	}

	if size := conf.GetInt64("persisted-query-cache-bytes"); size > 0 {
		storage, err := subfu.NewMemoryPersistedQueryStorage(size)
		if err != nil {
			return err
		}
		defer storage.Close()
		cfg.PersistedQueryStorage = storage
	}

	if token := conf.GetString("auth-token"); token != "" {
		cfg.HandleInit = func(ctx context.Context, parameters json.RawMessage) (context.Context, error) {
			var payload struct {
				AuthToken string `json:"authToken"`
			}
			if len(parameters) > 0 {
				if err := jsoniter.Unmarshal(parameters, &payload); err != nil {
					return nil, errors.Wrap(err, "malformed connection init payload")
				}
			}
			if payload.AuthToken != token {
				return nil, errors.New("invalid auth token")
			}
			return ctx, nil
		}
	}

	server, err := subfu.NewServer(cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", server)
	mux.HandleFunc("/graphql/stream", server.ServeSSE)

	httpServer := &http.Server{
		Addr:              conf.GetString("addr"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logrus.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.CloseHijackedConnections()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logrus.Error(errors.Wrap(err, "error shutting down http server"))
		}
	}()

	logrus.WithField("addr", httpServer.Addr).Info("listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func subscribe(args []string) error {
	flags := pflag.NewFlagSet("subscribe", pflag.ExitOnError)
	flags.String("url", "ws://localhost:8080/graphql", "the server url. ws(s):// urls use websockets, http(s):// urls use server-sent events")
	flags.String("log-level", "warn", "the log level")
	flags.String("query", "subscription { ticks(count: 5) { sequence time } }", "the operation to run")
	flags.String("variables", "", "the operation's variables as a JSON object")
	flags.String("operation-name", "", "the name of the operation to run")
	flags.StringSlice("subprotocol", nil, "the websocket subprotocols to offer")
	flags.String("auth-token", "", "sent as the connection init payload's authToken")
	flags.Duration("ack-timeout", 30*time.Second, "the time the server has to acknowledge the connection")
	conf, err := newConfig(flags, args)
	if err != nil {
		return err
	}

	req := &client.Request{
		Query:         conf.GetString("query"),
		OperationName: conf.GetString("operation-name"),
	}
	if variables := conf.GetString("variables"); variables != "" {
		if err := jsoniter.UnmarshalFromString(variables, &req.Variables); err != nil {
			return errors.Wrap(err, "malformed variables")
		}
	}

	url := conf.GetString("url")
	var subscriber client.Subscriber
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		subscriber = &client.SSEClient{
			URL: url,
		}
	} else {
		wsClient := &client.WebSocketClient{
			URL:          url,
			Subprotocols: conf.GetStringSlice("subprotocol"),
			AckTimeout:   conf.GetDuration("ack-timeout"),
		}
		if token := conf.GetString("auth-token"); token != "" {
			wsClient.InitPayload = map[string]string{
				"authToken": token,
			}
		}
		defer wsClient.Close()
		subscriber = wsClient
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub, err := subscriber.Subscribe(ctx, req)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		result, err := sub.Next(ctx)
		if err == io.EOF || ctx.Err() != nil {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Println(string(result.Raw()))
	}
}
