/*
Package provision orchestrates tenant provisioning.

The pipeline is registry row, then schema, then container, in that
order; a failure at any step tears down everything created so far in
reverse order and reports each compensation step in the result. When
the warm pool has a free member the container step is replaced by
claiming and activating it, which turns minutes of cold start into
seconds.
*/
package provision
