package cache

import "time"

// Config holds Redis connection settings for the lease store.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
	PingTimeout time.Duration
}
