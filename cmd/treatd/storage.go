package main

import (
	"fmt"
	"path/filepath"

	"github.com/protravka/protravka/authority/storage"
	"github.com/protravka/protravka/authority/storage/diskv"
	"github.com/protravka/protravka/authority/storage/inmem"
	"github.com/protravka/protravka/authority/storage/mysql"
	"github.com/protravka/protravka/authority/storage/sqlite"

	_ "github.com/go-sql-driver/mysql"
)

func parseStorage(name, dsn, _ string) (storage.Storage, error) {
	switch name {
	case "inmem":
		return inmem.New(), nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return diskv.New(dsn), nil
	case "mysql":
		return mysql.New(mysql.WithDSN(dsn))
	case "sqlite":
		if dsn == "" {
			dsn = filepath.Join("db", "treatd.db")
		}
		return sqlite.Open(dsn)
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}
