package scheduler

import (
	"sort"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	remoteworkers "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
)

// platformKey returns a canonical string form of a set of platform
// properties, used to key queue buckets. Properties are sorted, so two
// platforms that only differ in declaration order map to the same
// bucket.
func platformKey(platform *remoteexecution.Platform) string {
	properties := platform.GetProperties()
	entries := make([]string, 0, len(properties))
	for _, property := range properties {
		entries = append(entries, property.GetName()+"="+property.GetValue())
	}
	sort.Strings(entries)
	return strings.Join(entries, "\n")
}

// sortPlatformProperties normalizes the property order of a platform
// message, so that serialized state and error messages are stable.
func sortPlatformProperties(platform *remoteexecution.Platform) {
	properties := platform.GetProperties()
	sort.Slice(properties, func(i, j int) bool {
		if properties[i].Name != properties[j].Name {
			return properties[i].Name < properties[j].Name
		}
		return properties[i].Value < properties[j].Value
	})
}

// workerProperties converts the properties a bot reports through its
// session's Worker message into a lookup set.
func workerProperties(worker *remoteworkers.Worker) map[string]bool {
	offered := map[string]bool{}
	for _, property := range worker.GetProperties() {
		offered[property.GetKey()+"="+property.GetValue()] = true
	}
	for _, device := range worker.GetDevices() {
		for _, property := range device.GetProperties() {
			offered[property.GetKey()+"="+property.GetValue()] = true
		}
	}
	return offered
}

// platformIsSubset returns whether every property required by an action
// is offered by a worker.
func platformIsSubset(required *remoteexecution.Platform, offered map[string]bool) bool {
	for _, property := range required.GetProperties() {
		if !offered[property.GetName()+"="+property.GetValue()] {
			return false
		}
	}
	return true
}
