package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/omnivenue/routing/pkg/types"
	"github.com/omnivenue/routing/services/binance"
	"github.com/omnivenue/routing/services/bybit"
)

// ticker streams public market data from one venue and prints normalized
// quotes. No credentials needed: tick subscriptions ride the public stream.
func main() {
	venueName := flag.String("venue", "binance", "venue to stream from (binance, bybit)")
	symbols := flag.String("symbols", "BTC/USDT", "comma-separated canonical symbols")
	flag.Parse()

	logrus.SetLevel(logrus.WarnLevel)

	var (
		v   types.Venue
		err error
	)
	switch *venueName {
	case "binance":
		v, err = binance.New(types.Credential{})
	case "bybit":
		v, err = bybit.New(types.Credential{})
	default:
		fmt.Fprintf(os.Stderr, "unknown venue %q\n", *venueName)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build adapter: %v\n", err)
		os.Exit(1)
	}
	defer v.Disconnect()

	for _, symbol := range strings.Split(*symbols, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		if _, err := v.SubscribeTicks(symbol, printQuote); err != nil {
			fmt.Fprintf(os.Stderr, "subscribe %s: %v\n", symbol, err)
			os.Exit(1)
		}
		fmt.Printf("subscribed to %s on %s\n", symbol, *venueName)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nbye")
}

func printQuote(q types.Quote) {
	marker := " "
	if q.Partial {
		marker = "~"
	}
	fmt.Printf("%s [%s]%s %-10s bid=%s ask=%s last=%s\n",
		q.Timestamp.Format("15:04:05.000"), q.Venue, marker, q.Symbol,
		q.Bid.StringFixed(2), q.Ask.StringFixed(2), q.Last.StringFixed(2))
}
