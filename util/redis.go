package util

import (
	"time"

	"github.com/gomodule/redigo/redis"
)

func NewRedisPool(url string, password string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,                 // maximum number of idle connections in the pool
		MaxActive:   0,                 // maximum number of connections allocated by the pool at a given time
		IdleTimeout: 240 * time.Second, // close connections after remaining idle for this duration
		Dial: func() (redis.Conn, error) {
			if password != "" {
				return redis.DialURL(url, redis.DialPassword(password))
			}
			return redis.DialURL(url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
}
