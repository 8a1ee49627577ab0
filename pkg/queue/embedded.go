package queue

import (
	"errors"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// RunEmbeddedServer 启动进程内 NATS（开启 JetStream），用于单机部署
func RunEmbeddedServer(storeDir string) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		ServerName: "voiceforge-embedded",
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	})
	if err != nil {
		return nil, err
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server not ready")
	}
	return ns, nil
}

// Connect 建立带自动重连的客户端连接
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("voiceforge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}
