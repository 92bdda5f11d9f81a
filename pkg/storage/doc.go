/*
Package storage provides the BoltDB-backed spill store for Burrow nodes.

When the in-memory object store fills up, the local object manager moves
primary copies into a SpillStore and keeps only a URL for each one. The URL
is opaque to callers and is the sole handle used to restore or delete the
spilled bytes later.

# Layout

	<dataDir>/spilled_objects.db
	  ├── spilled_data/      <object id hex> → [len][bytes]
	  └── spilled_metadata/  <object id hex> → [len][bytes]

URLs have the form bolt://<path>?key=<object id>&size=<bytes>. Get and Delete
reject URLs that point at a different database file.

# Usage

	store, err := storage.NewBoltStore("/var/lib/burrow")
	if err != nil {
		return err
	}
	defer store.Close()

	url, err := store.Put(id, obj)
	...
	id, obj, err := store.Get(url)

Missing keys return ErrNotFound.
*/
package storage
