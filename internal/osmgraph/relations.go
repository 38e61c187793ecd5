// Package osmgraph presents OSM datasets stored as a property graph as typed,
// lazily materialised ways, way points, changesets and users.
//
// Layout, starting at a dataset root:
//
//	root -WAYS-> way1 -NEXT-> way2 -NEXT-> ...
//	way -FIRST_NODE-> proxy1 -NEXT-> proxy2 -NEXT-> ...
//	proxy -NODE-> point
//	way|point -GEOM-> geometry
//	way|point -CHANGESET-> changeset -USER-> user
//	root -LAYERS-> layer <-LAYER- reference
package osmgraph

import "github.com/wegman-software/osm2graph-go/internal/graph"

// Relationship kinds
const (
	RelLayer     graph.RelType = "LAYER"
	RelLayers    graph.RelType = "LAYERS"
	RelWays      graph.RelType = "WAYS"
	RelNext      graph.RelType = "NEXT"
	RelFirstNode graph.RelType = "FIRST_NODE"
	RelNode      graph.RelType = "NODE"
	RelGeom      graph.RelType = "GEOM"
	RelChangeset graph.RelType = "CHANGESET"
	RelUser      graph.RelType = "USER"
)

// Node labels
const (
	LabelLayer     = "layer"
	LabelDataset   = "dataset"
	LabelWay       = "way"
	LabelWayNode   = "way_node"
	LabelPoint     = "point"
	LabelGeometry  = "geometry"
	LabelChangeset = "changeset"
	LabelUser      = "user"
)

// Property keys
const (
	PropName      = "name"
	PropSRID      = "srid"
	PropUUID      = "uuid"
	PropWayOSM    = "way_osm"
	PropNodeOSM   = "node_osm"
	PropChangeset = "changeset"
	PropUID       = "uid"
	PropVersion   = "version"
	TagPrefix     = "tag:"
)

// Schema is the store constraint set every backend must enforce: a layer is
// owned by at most one dataset.
func Schema() graph.Schema {
	return graph.Schema{UniqueIncoming: []graph.RelType{RelLayers}}
}
