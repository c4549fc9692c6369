package storage

import (
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
)

func etcdClientForTest(server *embed.Etcd) (*clientv3.Client, error) {
	return v3client.New(server.Server), nil
}
