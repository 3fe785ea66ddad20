package types

// Version is the canonical project version.
// All components (CLI, wire envelopes, manifest documents) share this
// version per the lockstep versioning policy.
const Version = "0.4.0"
