/*
Package storage keeps the run ledger: a small bbolt database recording every
harness run started from the CLI and the server processes it spawned.

The ledger lets `testenv list` show what is running on a host and lets
`testenv kill` find the process groups of a run whose harness died. It is
not consulted by the test fixture.

# Buckets

	runs        run id -> Run (JSON)
	processes   run id \x00 cluster/name -> Process (JSON)

Records are JSON encoded. Writes go through bbolt's serialized Update
transactions; bolt.Open waits up to a second for another harness holding
the file lock.

	store, err := storage.NewBoltStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	run := &storage.Run{ID: runID, Sandbox: sandbox, State: "running", StartedAt: time.Now()}
	if err := store.CreateRun(run); err != nil {
		return err
	}
*/
package storage
