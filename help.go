// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.
package main

var helpText = `
The patchchain command maintains a chain of patched source trees:
an upstream checkout, forks built from it by applying patch stacks,
and forks of those forks. Edits made to an output tree are folded
back into its patch stack with rebuild-patches.

The workspace is described by patchchain.yaml, found through --config,
PATCHCHAIN_CONFIG or the current directory. Credentials for publishing
may be kept in a .env file next to it.

Usage:
	patchchain [flags] <command> [args]

Commands:
apply-patches [task...]
	Apply patch stacks to produce output trees, the tasks they build on first
rebuild-patches [task...]
	Rebuild patch stacks from edited output trees
sync-upstream [upstream...]
	Move upstream checkouts to their pinned commits and re-apply dependent tasks
check-upstream [upstream...]
	Report whether pins trail the head of their remote branch
publish [bundle]
	Build the development bundle and upload it to its destinations
status
	Show the state of every upstream and output tree
version
	Display version information
help
	Display this message

Options:
-c, --config <path>
	Path to the workspace configuration
--timeout <duration>
	Deadline for every operation (e.g. 10m), overrides the configuration
--json
	Print a machine readable report on stdout
-f, --force
	Overwrite edited output trees, rebuild conflicted or ambiguous ones,
	re-initialise submodules
-m, --message <subject>
	Subject of the patch collecting unattributed changes (default "Local changes")
--author <name>
	Author recorded in rebuilt patches
-v, --verbose
	Enable debug logging

Exit status:
	0 success, 1 failure, 2 usage, 3 patch conflict, 4 ambiguous rebuild,
	5 workspace busy, 6 publish failed, 7 timeout, 8 upstream sync failed,
	9 output tree modified since it was applied
`
