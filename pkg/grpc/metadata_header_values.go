package grpc

// MetadataHeaderValues accumulates header names and values in the flat
// pairwise layout that metadata.AppendToOutgoingContext() expects.
type MetadataHeaderValues []string

// Add appends every value of a header, repeating the header name in
// front of each value.
func (hv *MetadataHeaderValues) Add(header string, values []string) {
	for _, value := range values {
		*hv = append(*hv, header, value)
	}
}
