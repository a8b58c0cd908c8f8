// meshproxy is the cluster event proxy: servers publish into its XSUB side
// and subscribe on its XPUB side, so processes never need to know who else is
// publishing. One instance per cluster is enough; the forwarding is plain
// zmq.Proxy with ZeroMQ handling topic subscriptions.
package main

import (
	"os"

	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/mybios/pinus/logger"
)

func main() {
	log, err := logger.New(os.Getenv("PINUS_LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.Named("meshproxy")

	xsubAddr := os.Getenv("PINUS_PROXY_XSUB")
	if xsubAddr == "" {
		xsubAddr = "tcp://*:5557"
	}
	xpubAddr := os.Getenv("PINUS_PROXY_XPUB")
	if xpubAddr == "" {
		xpubAddr = "tcp://*:5558"
	}

	xsub, err := zmq.NewSocket(zmq.XSUB)
	if err != nil {
		log.Fatal("new xsub socket", zap.Error(err))
	}
	defer xsub.Close()
	if err := xsub.Bind(xsubAddr); err != nil {
		log.Fatal("bind xsub", zap.String("addr", xsubAddr), zap.Error(err))
	}

	xpub, err := zmq.NewSocket(zmq.XPUB)
	if err != nil {
		log.Fatal("new xpub socket", zap.Error(err))
	}
	defer xpub.Close()
	if err := xpub.Bind(xpubAddr); err != nil {
		log.Fatal("bind xpub", zap.String("addr", xpubAddr), zap.Error(err))
	}

	log.Info("event proxy up",
		zap.String("xsub", xsubAddr), zap.String("xpub", xpubAddr))
	if err := zmq.Proxy(xsub, xpub, nil); err != nil {
		log.Fatal("proxy stopped", zap.Error(err))
	}
}
