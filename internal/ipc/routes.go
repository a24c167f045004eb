package ipc

// Route names form a closed set shared between the supervisor and the webview
// zones. A request naming anything outside this set fails fast without
// touching a handler.

// Settings and per-tool preferences.
const (
	RouteSettingsGet = "settings:get"
	RouteSettingsSet = "settings:set"

	RouteFavoritesAdd    = "favorites:add"
	RouteFavoritesRemove = "favorites:remove"
	RouteFavoritesToggle = "favorites:toggle"
	RouteFavoritesList   = "favorites:list"

	RouteCSPHasConsent    = "csp:has-consent"
	RouteCSPGrantConsent  = "csp:grant-consent"
	RouteCSPRevokeConsent = "csp:revoke-consent"
	RouteCSPListConsents  = "csp:list-consents"

	RouteToolConnectionsGet    = "tool-connections:get"
	RouteToolConnectionsSet    = "tool-connections:set"
	RouteToolConnectionsRemove = "tool-connections:remove"
	RouteToolConnectionsList   = "tool-connections:list"

	RouteLastUsedAdd   = "last-used:add"
	RouteLastUsedList  = "last-used:list"
	RouteLastUsedClear = "last-used:clear"
)

// Connection management and authentication.
const (
	RouteConnectionsAdd            = "connections:add"
	RouteConnectionsUpdate         = "connections:update"
	RouteConnectionsDelete         = "connections:delete"
	RouteConnectionsList           = "connections:list"
	RouteConnectionsGet            = "connections:get"
	RouteConnectionsTest           = "connections:test"
	RouteConnectionsIsTokenExpired = "connections:is-token-expired"
	RouteConnectionsRefresh        = "connections:refresh"
	RouteConnectionsAuthenticate   = "connections:authenticate"
	RouteBrowserIsInstalled        = "connections:check-browser-installed"
	RouteBrowserProfiles           = "connections:get-browser-profiles"
)

// Tool catalog, installation, and context.
const (
	RouteToolsGetAll              = "tools:get-all"
	RouteToolsGet                 = "tools:get"
	RouteToolsLoad                = "tools:load"
	RouteToolsUnload              = "tools:unload"
	RouteToolsInstall             = "tools:install"
	RouteToolsUninstall           = "tools:uninstall"
	RouteToolsGetWebviewHTML      = "tools:get-webview-html"
	RouteToolsGetContext          = "tools:get-context"
	RouteToolsLoadLocal           = "tools:load-local"
	RouteToolsOpenDirectoryPicker = "tools:open-directory-picker"
	RouteToolsFetchRegistry       = "tools:fetch-registry"
	RouteToolsInstallFromRegistry = "tools:install-from-registry"
	RouteToolsCheckUpdates        = "tools:check-updates"
	RouteToolsUpdate              = "tools:update"
	RouteToolsIsUpdating          = "tools:is-updating"
)

// Tool window management.
const (
	RouteWindowLaunch           = "tool-window:launch"
	RouteWindowSwitch           = "tool-window:switch"
	RouteWindowClose            = "tool-window:close"
	RouteWindowGetActive        = "tool-window:get-active"
	RouteWindowGetOpen          = "tool-window:get-open"
	RouteWindowUpdateConnection = "tool-window:update-connection"
	RouteWindowSetPinned        = "tool-window:set-pinned"
	RouteWindowReorder          = "tool-window:reorder"
)

// Terminal supervision.
const (
	RouteTerminalCreate        = "terminal:create"
	RouteTerminalExecute       = "terminal:execute"
	RouteTerminalWrite         = "terminal:write"
	RouteTerminalResize        = "terminal:resize"
	RouteTerminalClose         = "terminal:close"
	RouteTerminalGet           = "terminal:get"
	RouteTerminalList          = "terminal:list"
	RouteTerminalListAll       = "terminal:list-all"
	RouteTerminalSetVisibility = "terminal:set-visibility"
)

// Gated filesystem access.
const (
	RouteFSReadText        = "fs:read-text"
	RouteFSReadBinary      = "fs:read-binary"
	RouteFSExists          = "fs:exists"
	RouteFSStat            = "fs:stat"
	RouteFSReadDirectory   = "fs:read-directory"
	RouteFSWriteText       = "fs:write-text"
	RouteFSCreateDirectory = "fs:create-directory"
	RouteFSSaveFile        = "fs:save-file"
	RouteFSSelectPath      = "fs:select-path"
)

// Shell utilities, modal windows, diagnostics.
const (
	RouteUtilShowNotification = "util:show-notification"
	RouteUtilCopyToClipboard  = "util:copy-to-clipboard"
	RouteUtilGetCurrentTheme  = "util:get-current-theme"
	RouteUtilShowLoading      = "util:show-loading"
	RouteUtilHideLoading      = "util:hide-loading"
	RouteUtilOpenExternal     = "util:open-external"
	RouteUtilShowModal        = "util:show-modal"
	RouteUtilCloseModal       = "util:close-modal"
	RouteUtilSendModalMessage = "util:send-modal-message"
	RouteUtilGetEventHistory  = "util:get-event-history"

	RouteTroubleshootingChecks = "troubleshooting:run-checks"

	RouteAutoUpdateCheck          = "auto-update:check"
	RouteAutoUpdateDownload       = "auto-update:download"
	RouteAutoUpdateQuitAndInstall = "auto-update:quit-and-install"
	RouteAutoUpdateGetAppVersion  = "auto-update:get-app-version"
)

// Dataverse data and metadata.
const (
	RouteDataverseCreate                = "dataverse:create"
	RouteDataverseRetrieve              = "dataverse:retrieve"
	RouteDataverseUpdate                = "dataverse:update"
	RouteDataverseDelete                = "dataverse:delete"
	RouteDataverseRetrieveMultiple      = "dataverse:retrieve-multiple"
	RouteDataverseExecute               = "dataverse:execute"
	RouteDataverseFetchXMLQuery         = "dataverse:fetch-xml-query"
	RouteDataverseQueryData             = "dataverse:query-data"
	RouteDataverseCreateMultiple        = "dataverse:create-multiple"
	RouteDataverseUpdateMultiple        = "dataverse:update-multiple"
	RouteDataverseAssociate             = "dataverse:associate"
	RouteDataverseDisassociate          = "dataverse:disassociate"
	RouteDataversePublish               = "dataverse:publish-customizations"
	RouteDataverseDeploySolution        = "dataverse:deploy-solution"
	RouteDataverseImportJobStatus       = "dataverse:get-import-job-status"
	RouteDataverseGetSolutions          = "dataverse:get-solutions"
	RouteDataverseEntityMetadata        = "dataverse:get-entity-metadata"
	RouteDataverseAllEntitiesMetadata   = "dataverse:get-all-entities-metadata"
	RouteDataverseEntityRelatedMetadata = "dataverse:get-entity-related-metadata"
	RouteDataverseEntitySetName         = "dataverse:get-entity-set-name"
	RouteDataverseBuildLabel            = "dataverse:build-label"
	RouteDataverseAttributeODataType    = "dataverse:get-attribute-odata-type"
	RouteDataverseCreateEntityDef       = "dataverse:create-entity-definition"
	RouteDataverseUpdateEntityDef       = "dataverse:update-entity-definition"
	RouteDataverseDeleteEntityDef       = "dataverse:delete-entity-definition"
	RouteDataverseCreateAttribute       = "dataverse:create-attribute"
	RouteDataverseUpdateAttribute       = "dataverse:update-attribute"
	RouteDataverseDeleteAttribute       = "dataverse:delete-attribute"
	RouteDataversePolymorphicLookup     = "dataverse:create-polymorphic-lookup"
	RouteDataverseCreateRelationship    = "dataverse:create-relationship"
	RouteDataverseGetRelationship       = "dataverse:get-relationship"
	RouteDataverseDeleteRelationship    = "dataverse:delete-relationship"
	RouteDataverseCreateOptionSet       = "dataverse:create-global-option-set"
	RouteDataverseGetOptionSet          = "dataverse:get-global-option-set"
	RouteDataverseDeleteOptionSet       = "dataverse:delete-global-option-set"
	RouteDataverseInsertOptionValue     = "dataverse:insert-option-value"
	RouteDataverseUpdateOptionValue     = "dataverse:update-option-value"
	RouteDataverseDeleteOptionValue     = "dataverse:delete-option-value"
	RouteDataverseOrderOption           = "dataverse:order-option"
	RouteDataverseCSDLDocument          = "dataverse:get-csdl-document"
)

var knownRoutes = buildRouteSet(
	RouteSettingsGet, RouteSettingsSet,
	RouteFavoritesAdd, RouteFavoritesRemove, RouteFavoritesToggle, RouteFavoritesList,
	RouteCSPHasConsent, RouteCSPGrantConsent, RouteCSPRevokeConsent, RouteCSPListConsents,
	RouteToolConnectionsGet, RouteToolConnectionsSet, RouteToolConnectionsRemove, RouteToolConnectionsList,
	RouteLastUsedAdd, RouteLastUsedList, RouteLastUsedClear,
	RouteConnectionsAdd, RouteConnectionsUpdate, RouteConnectionsDelete, RouteConnectionsList,
	RouteConnectionsGet, RouteConnectionsTest, RouteConnectionsIsTokenExpired, RouteConnectionsRefresh,
	RouteConnectionsAuthenticate, RouteBrowserIsInstalled, RouteBrowserProfiles,
	RouteToolsGetAll, RouteToolsGet, RouteToolsLoad, RouteToolsUnload, RouteToolsInstall,
	RouteToolsUninstall, RouteToolsGetWebviewHTML, RouteToolsGetContext, RouteToolsLoadLocal,
	RouteToolsOpenDirectoryPicker, RouteToolsFetchRegistry, RouteToolsInstallFromRegistry,
	RouteToolsCheckUpdates, RouteToolsUpdate, RouteToolsIsUpdating,
	RouteWindowLaunch, RouteWindowSwitch, RouteWindowClose, RouteWindowGetActive,
	RouteWindowGetOpen, RouteWindowUpdateConnection, RouteWindowSetPinned, RouteWindowReorder,
	RouteTerminalCreate, RouteTerminalExecute, RouteTerminalWrite, RouteTerminalResize,
	RouteTerminalClose, RouteTerminalGet, RouteTerminalList, RouteTerminalListAll,
	RouteTerminalSetVisibility,
	RouteFSReadText, RouteFSReadBinary, RouteFSExists, RouteFSStat, RouteFSReadDirectory,
	RouteFSWriteText, RouteFSCreateDirectory, RouteFSSaveFile, RouteFSSelectPath,
	RouteUtilShowNotification, RouteUtilCopyToClipboard, RouteUtilGetCurrentTheme,
	RouteUtilShowLoading, RouteUtilHideLoading, RouteUtilOpenExternal, RouteUtilShowModal,
	RouteUtilCloseModal, RouteUtilSendModalMessage, RouteUtilGetEventHistory,
	RouteTroubleshootingChecks,
	RouteAutoUpdateCheck, RouteAutoUpdateDownload, RouteAutoUpdateQuitAndInstall,
	RouteAutoUpdateGetAppVersion,
	RouteDataverseCreate, RouteDataverseRetrieve, RouteDataverseUpdate, RouteDataverseDelete,
	RouteDataverseRetrieveMultiple, RouteDataverseExecute, RouteDataverseFetchXMLQuery,
	RouteDataverseQueryData, RouteDataverseCreateMultiple, RouteDataverseUpdateMultiple,
	RouteDataverseAssociate, RouteDataverseDisassociate, RouteDataversePublish,
	RouteDataverseDeploySolution, RouteDataverseImportJobStatus, RouteDataverseGetSolutions,
	RouteDataverseEntityMetadata, RouteDataverseAllEntitiesMetadata,
	RouteDataverseEntityRelatedMetadata, RouteDataverseEntitySetName,
	RouteDataverseBuildLabel, RouteDataverseAttributeODataType,
	RouteDataverseCreateEntityDef, RouteDataverseUpdateEntityDef, RouteDataverseDeleteEntityDef,
	RouteDataverseCreateAttribute, RouteDataverseUpdateAttribute, RouteDataverseDeleteAttribute,
	RouteDataversePolymorphicLookup, RouteDataverseCreateRelationship,
	RouteDataverseGetRelationship, RouteDataverseDeleteRelationship,
	RouteDataverseCreateOptionSet, RouteDataverseGetOptionSet, RouteDataverseDeleteOptionSet,
	RouteDataverseInsertOptionValue, RouteDataverseUpdateOptionValue,
	RouteDataverseDeleteOptionValue, RouteDataverseOrderOption, RouteDataverseCSDLDocument,
)

func buildRouteSet(routes ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		set[r] = struct{}{}
	}
	return set
}

// KnownRoute reports whether name belongs to the declared route set.
func KnownRoute(name string) bool {
	_, ok := knownRoutes[name]
	return ok
}
