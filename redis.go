package main

import (
	"os"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
)

var (
	redisPool *redis.Pool
)

func redisConnect() error {
	db, err := strconv.Atoi(envStr("REDIS_DB", "0"))
	if err != nil {
		return err
	}
	redisPool = &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial("tcp", os.Getenv("REDIS_URL"), redis.DialDatabase(db))
			if err != nil {
				return nil, err
			}
			return c, err
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}

	return nil
}

func setKeyFields(key string, fields map[string]string) error {
	redisConn := redisPool.Get()
	defer redisConn.Close()
	args := redis.Args{}.Add(key)
	for f, v := range fields {
		args = args.Add(f, v)
	}
	_, err := redisConn.Do("HSET", args...)
	return err
}

func getKeyFields(key string) (map[string]string, error) {
	redisConn := redisPool.Get()
	defer redisConn.Close()
	return redis.StringMap(redisConn.Do("HGETALL", key))
}
