package registry

// Building is one building observation from the registry. Capacity is
// kept as the raw wire value: the registry serves it as a string, a bare
// number, or null, and the classifier decides what counts as a shelter.
type Building struct {
	ID               string
	CapacityRaw      string
	UsageCode        string
	MunicipalityCode string
	AccessAddressID  string
}

// Page is one page of buildings plus the continuation state.
type Page struct {
	Buildings []Building
	HasNext   bool
	EndCursor string
}
