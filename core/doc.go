// Package core contains the shared data model and service interfaces of
// CollabMesh: worker records and types, the message envelope, flowchart
// descriptors, version records, the error taxonomy, the configuration
// surface and the audit store contract.
//
// The package has no behavior of its own beyond small constructors and
// accessors; the subsystems (registry, router, space, dispatcher, flowchart,
// recovery) build on these types. Keeping the model in one leaf package
// avoids import cycles between the subsystems that exchange these values.
package core
