package main

import (
	"log"

	"github.com/gocql/gocql"
)

func main() {
	cluster := gocql.NewCluster("localhost")
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	stmts := []string{
		`CREATE KEYSPACE IF NOT EXISTS chat WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`,
		`CREATE TABLE IF NOT EXISTS chat.messages (
			conversation_id text,
			id bigint,
			author_id text,
			body text,
			reply_to bigint,
			created_at timestamp,
			PRIMARY KEY (conversation_id, id)
		) WITH CLUSTERING ORDER BY (id DESC)`,
		`CREATE TABLE IF NOT EXISTS chat.message_reactions (
			message_id bigint,
			user_id text,
			emoji text,
			PRIMARY KEY (message_id, user_id, emoji)
		)`,
		`CREATE TABLE IF NOT EXISTS chat.message_pins (
			conversation_id text,
			message_id bigint,
			pinned_by text,
			PRIMARY KEY (conversation_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat.profiles (
			id text,
			display_name text,
			PRIMARY KEY (id)
		)`,
	}

	for _, stmt := range stmts {
		if err := session.Query(stmt).Exec(); err != nil {
			log.Fatal(err)
		}
	}

	log.Println("Chat schema created successfully")
}
