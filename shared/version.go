package shared

const Version = "v0.3.0"
