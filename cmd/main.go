package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agaabrieel/swarmclient/pkg/apperrors"
	"github.com/agaabrieel/swarmclient/pkg/client"
	"github.com/agaabrieel/swarmclient/pkg/lifecycle"
	"github.com/agaabrieel/swarmclient/pkg/log"
	"github.com/agaabrieel/swarmclient/pkg/messaging"
	"github.com/agaabrieel/swarmclient/pkg/metainfo"
)

func main() {
	path := flag.String("torrent", "test.torrent", "path of the .torrent file")
	port := flag.Uint("port", 6881, "port announced to trackers")
	once := flag.Bool("once", false, "announce once and exit")
	flag.Parse()

	meta, err := metainfo.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(meta)
	fmt.Printf("info hash: %x\n", meta.Infohash())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := lifecycle.NewLifecycle(ctx)
	router := messaging.NewRouter()

	logger, err := log.NewLogger(os.Stderr, router)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	handler, errCh := apperrors.NewErrorHandler(os.Stderr, stop)

	spawn := l.Spawner()
	spawn(logger.Run)
	spawn(handler.Run)

	c := client.New(meta, client.Config{
		Port:   uint16(*port),
		Router: router,
		Errors: errCh,
	})
	fmt.Printf("client id: %x\n", c.ID())

	if *once {
		tr, resp, err := c.Announce(l.Context())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		} else {
			fmt.Printf("%s answered with %d peers (interval %v)\n", tr.URL(), len(resp.Peers), resp.Interval)
			for _, p := range resp.Peers {
				fmt.Println(" ", p)
			}
			tr.Dispose()
		}
	} else {
		spawn(func(ctx context.Context) error {
			defer stop()
			return c.Run(ctx)
		})
		<-l.Context().Done()
	}

	if err := l.Shutdown(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
