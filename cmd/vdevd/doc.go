// Command vdevd is the userspace device event daemon.
//
// Run without a subcommand it starts the daemon: it enumerates present devices,
// applies the action rules to each of them and then follows hotplug events until
// SIGINT or SIGTERM. With --once it exits after enumeration and after removing
// metadata left behind for devices that are gone.
//
// Subcommands inspect the installation without starting the daemon:
//
//	vdevd actions          lint the actions directory and list the loaded rules
//	vdevd events           list device events recorded in the journal
//	vdevd config init      write a sample configuration file
//	vdevd config validate  check the configuration file
package main
