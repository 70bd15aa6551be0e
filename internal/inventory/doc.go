// Package inventory records which LCN modules have answered the bridge.
//
// Every serial number reply (gateway, module address, serial, firmware) is
// upserted into the lcn_modules table, so operators can see which modules
// exist on a bus and which firmware they run without a bus scan. The first
// and last time a module answered are kept.
//
// The table is created by the lcn_modules migration in package migrations.
package inventory
