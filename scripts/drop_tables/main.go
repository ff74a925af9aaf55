package main

import (
	"log"

	"github.com/gocql/gocql"
)

func main() {
	cluster := gocql.NewCluster("localhost")
	cluster.Keyspace = "chat"
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	for _, table := range []string{"messages", "message_reactions", "message_pins", "profiles"} {
		log.Printf("Dropping table %s...", table)
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			log.Fatalf("Failed to drop table %s: %v", table, err)
		}
	}
	log.Println("Tables dropped successfully.")
}
