package osmgraph

import (
	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2graph-go/internal/graph"
)

// Changeset is the edit that last touched a way or point
type Changeset struct {
	Node *graph.Node
	ID   osm.ChangesetID
}

func changesetFromNode(n *graph.Node) *Changeset {
	id, _ := n.Int64(PropChangeset)
	return &Changeset{Node: n, ID: osm.ChangesetID(id)}
}

// User is the editor behind a changeset
type User struct {
	Node *graph.Node
	Name string
	UID  osm.UserID
}

func userFromNode(n *graph.Node) *User {
	name, _ := n.StringProp(PropName)
	uid, _ := n.Int64(PropUID)
	return &User{Node: n, Name: name, UID: osm.UserID(uid)}
}
