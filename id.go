package replica

import "github.com/helixchat/replica/id"

// ID is the primary identifier type for all replica entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
