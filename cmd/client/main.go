// Command client is a small demo/example binary exercising the client
// runtime (internal/clientcomm): dial, log on, subscribe to a topic,
// and optionally send a directed request with send_and_wait. It mirrors
// the donor's cmd/single and cmd/multi pattern of thin flag-parsing
// entry points over a fully-featured internal package.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adred-codev/msgbroker/internal/clientcomm"
	"github.com/adred-codev/msgbroker/internal/logging"
	"github.com/adred-codev/msgbroker/internal/subscription"
)

func main() {
	var (
		addr           = flag.String("addr", "127.0.0.1:8888", "broker address")
		clientType     = flag.Int("client-type", 1, "this client's client_type")
		clientID       = flag.Int("client-id", 1, "this client's client_id")
		token          = flag.String("token", "", "LOGON credential payload (JWT), empty for --no-auth brokers")
		subscribeTopic = flag.Int("subscribe-topic", 0, "topic to subscribe to, 0 to skip")
		sendTo         = flag.Int("send-to-client-type", 0, "if set, send a send_and_wait request to this client_type")
		sendToID       = flag.Int("send-to-client-id", 0, "client_id to pair with --send-to-client-type")
		sendPayload    = flag.String("payload", "ping", "payload to send with --send-to-client-type")
		logLevel       = flag.Int("loglevel", 2, "0=trace 1=debug 2=info 3=warn 5=error")
	)
	flag.Parse()

	logger := logging.New(logging.Config{Level: logging.Level(*logLevel), Service: "client"})

	cc := clientcomm.New(clientcomm.Config{
		Addr:           *addr,
		ClientType:     int32(*clientType),
		ClientID:       int32(*clientID),
		Token:          *token,
		ReconnectRetry: 2 * time.Second,
	}, logger)

	if *subscribeTopic != 0 {
		cc.Subscribe(subscription.Key{Topic: int32(*subscribeTopic)})
	}

	if err := cc.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("initial connect failed")
	}

	waitLoggedOn(cc, 5*time.Second)

	if *sendTo != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		reply, ok := cc.SendAndWait(ctx, []byte(*sendPayload), 0, int32(*sendTo), int32(*sendToID), 5*time.Second)
		cancel()
		if !ok {
			fmt.Println("send_and_wait: no reply (timeout)")
		} else {
			fmt.Printf("send_and_wait: reply payload=%q\n", reply.Payload)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cc.ShutDown()
}

func waitLoggedOn(cc *clientcomm.ClientComm, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !cc.IsLoggedOn() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}
