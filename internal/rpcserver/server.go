package rpcserver

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/signal"
	"syscall"
)

// Run registers control with net/rpc and serves jsonrpc connections on
// port, exactly as dastard's RunRPCServer does: one goroutine accepts
// connections, each connection is served synchronously on its own
// goroutine so Control never needs its own lock (dastard's comment:
// "requests from a single connection are handled SYNCHRONOUSLY").
// If block is true, Run installs a SIGINT/SIGTERM handler and does not
// return until one arrives, at which point it calls onShutdown (if
// non-nil) before returning.
func Run(port int, control *Control, block bool, onShutdown func()) error {
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		return err
	}
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("rpcserver: listen: %w", err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				log.Printf("rpcserver: accept error: %v", err)
				return
			}
			log.Printf("rpcserver: new connection established")
			go func() {
				codec := jsonrpc.NewServerCodec(conn)
				for {
					if err := server.ServeRequest(codec); err != nil {
						log.Printf("rpcserver: connection closed: %v", err)
						return
					}
				}
			}()
		}
	}()

	if block {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		if onShutdown != nil {
			onShutdown()
		}
		return listener.Close()
	}
	return nil
}
