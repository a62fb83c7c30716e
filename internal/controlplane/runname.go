package controlplane

import (
	"fmt"
	"math/rand"
)

// adjectives and animals back the deterministic-shape, non-deterministic-
// value "adjective-animal-NNN" run-name generator. No
// name-generator dependency appears anywhere in the pack, so this stays a
// small stdlib-only (math/rand) helper rather than reaching for an
// external word-list library.
var adjectives = []string{
	"swift", "quiet", "amber", "bold", "calm", "eager", "fuzzy", "gentle",
	"hardy", "icy", "jolly", "keen", "lucky", "mellow", "nimble", "orange",
	"proud", "quick", "rusty", "sunny", "tidy", "vivid", "witty", "zesty",
}

var animals = []string{
	"otter", "falcon", "panther", "heron", "badger", "lynx", "marmot",
	"weasel", "pelican", "gecko", "ibis", "jaguar", "koala", "lemur",
	"mantis", "newt", "ocelot", "puffin", "quokka", "raven", "stoat",
	"tapir", "urchin", "vole",
}

// newRunName generates a run name of the form "adjective-animal-NNN", e.g.
// "swift-otter-042".
func newRunName() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	animal := animals[rand.Intn(len(animals))]
	n := rand.Intn(1000)
	return fmt.Sprintf("%s-%s-%03d", adj, animal, n)
}
