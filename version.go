package stepdown

// Version is the current release of stepdown.
const Version = "0.4.2"
