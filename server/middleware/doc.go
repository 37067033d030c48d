// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
Package middleware provides HTTP request handling functionality for EdgeSplit.

Route definitions are centralized in the DefineRoutes function, which sets up all paths
and their corresponding handlers on the Router's ServeMux.
*/
package middleware
